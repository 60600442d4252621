//go:build integration

package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/meigma/mediacache"
)

func newCache(t *testing.T) *mediacache.Cache {
	t.Helper()
	c, err := mediacache.NewCache(
		mediacache.WithCacheDirectory(t.TempDir()),
		mediacache.WithMaxConcurrentDownloads(2),
	)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func drain(t *testing.T, req *mediacache.Request) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(30 * time.Second)
	for {
		select {
		case chunk, ok := <-req.Chunks():
			if !ok {
				return got
			}
			if chunk.Err != nil {
				t.Fatalf("chunk error: %v", chunk.Err)
			}
			got = append(got, chunk.Data...)
			if chunk.Done {
				return got
			}
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
			return nil
		}
	}
}

func TestFullFetchAgainstRealRangeServer(t *testing.T) {
	url, body := getOrigin(t)
	c := newCache(t)

	req := mediacache.NewRequest("full", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), url, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}
	got := drain(t, req)
	if !bytes.Equal(got, body) {
		t.Fatalf("got %d bytes, want %d bytes matching the origin fixture", len(got), len(body))
	}
}

func TestPartialRangeThenRemainderHitsCacheForOverlap(t *testing.T) {
	url, body := getOrigin(t)
	c := newCache(t)

	const split = 1 << 20
	first := mediacache.NewRequest("first-half", 0, split)
	if err := c.HandlePlayerRequest(context.Background(), url, first); err != nil {
		t.Fatalf("HandlePlayerRequest(first) error = %v", err)
	}
	gotFirst := drain(t, first)
	if !bytes.Equal(gotFirst, body[:split]) {
		t.Fatalf("first half mismatch: got %d bytes, want %d", len(gotFirst), split)
	}

	second := mediacache.NewRequest("overlap", 0, split/2)
	if err := c.HandlePlayerRequest(context.Background(), url, second); err != nil {
		t.Fatalf("HandlePlayerRequest(second) error = %v", err)
	}
	gotSecond := drain(t, second)
	if !bytes.Equal(gotSecond, body[:split/2]) {
		t.Fatalf("cached overlap mismatch: got %d bytes, want %d", len(gotSecond), split/2)
	}
}

func TestPreloadAgainstRealRangeServer(t *testing.T) {
	url, body := getOrigin(t)
	c := newCache(t)

	id, err := c.Preload(url, mediacache.PriorityHigh, int64(len(body)))
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}

	deadline := time.After(30 * time.Second)
	for {
		task, ok := c.PreloadStatus(id)
		if !ok {
			t.Fatal("preload task disappeared")
		}
		if task.State.String() == "completed" {
			break
		}
		if task.State.String() == "failed" {
			t.Fatalf("preload failed: %s", task.FailReason)
		}
		select {
		case <-deadline:
			t.Fatalf("preload did not complete in time, last state %s", task.State)
		case <-time.After(50 * time.Millisecond):
		}
	}

	key, err := c.KeyFor(url)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	res, err := c.GetMetadata(key)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !res.IsComplete || res.CachedBytes != int64(len(body)) {
		t.Fatalf("expected preload to fully populate the cache, got complete=%v cachedBytes=%d", res.IsComplete, res.CachedBytes)
	}
}
