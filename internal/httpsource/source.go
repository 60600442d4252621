// Package httpsource issues HTTP byte-range GETs against a media origin,
// adapted from an immutable-blob range fetcher to a live, possibly
// range-unaware origin whose fetches may be resumed mid-stream.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRangeNotSupported is returned when the origin answers a ranged GET
// with a full 200 OK instead of 206, i.e. it ignores Range.
var ErrRangeNotSupported = errors.New("httpsource: origin does not honor range requests")

// StatusError wraps a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpsource: request failed: %s", e.Status)
}

// Retriable reports whether the status code is transient (408, 429, 5xx);
// all others are terminal for the attempt.
func (e *StatusError) Retriable() bool {
	return Retriable(e.StatusCode)
}

// Retriable reports whether code is a transient failure worth retrying.
func Retriable(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// Info is what a fetch learns about the resource, to be written into
// metadata exactly once per resource.
type Info struct {
	ContentType   string
	TotalLength   int64
	HasLength     bool
	SupportsRange bool
}

// Source issues ranged GETs for one origin URL.
type Source struct {
	url     string
	client  *http.Client
	headers http.Header
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests. The client's
// transport is wrapped with otelhttp so fetch spans are observable
// (SPEC_FULL.md §6 Observability).
func WithClient(client *http.Client) Option {
	return func(s *Source) {
		cp := *client
		cp.Transport = otelhttp.NewTransport(client.Transport)
		s.client = &cp
	}
}

// WithHeaders sets additional headers applied to every request (e.g.
// custom auth or user-agent headers from config).
func WithHeaders(headers http.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// New creates a Source for url.
func New(url string, opts ...Option) *Source {
	s := &Source{
		url:    url,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch issues a GET with Range: bytes=<start>-<end> (end < 0 means
// open-ended) and returns the response body together with the Info
// derived from its headers. The caller must Close the returned body.
//
// Expected responses are 200 OK (full) or 206 Partial Content (range);
// any other status yields a *StatusError.
func (s *Source) Fetch(ctx context.Context, start, end int64) (io.ReadCloser, Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, Info{}, fmt.Errorf("httpsource: build request: %w", err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", rangeHeader(start, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Info{}, fmt.Errorf("httpsource: do request: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		// ok
	default:
		resp.Body.Close()
		return nil, Info{}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	info := Info{
		ContentType:   resp.Header.Get("Content-Type"),
		SupportsRange: resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes",
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if total, ok := parseContentRangeTotal(cr); ok {
			info.TotalLength = total
			info.HasLength = true
		}
	} else if resp.ContentLength >= 0 {
		info.TotalLength = resp.ContentLength
		info.HasLength = true
	}

	if resp.StatusCode == http.StatusOK && start > 0 {
		// We asked for a range but got the whole body back: origin
		// doesn't support Range. The caller still gets a valid stream
		// starting at byte 0, which is not what was asked for.
		resp.Body.Close()
		return nil, info, ErrRangeNotSupported
	}

	return resp.Body, info, nil
}

func rangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// parseContentRangeTotal parses "bytes A-B/T" and returns T.
func parseContentRangeTotal(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
