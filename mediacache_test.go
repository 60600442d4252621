package mediacache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meigma/mediacache"
)

func newTestCache(t *testing.T, opts ...mediacache.Option) *mediacache.Cache {
	t.Helper()
	base := []mediacache.Option{
		mediacache.WithCacheDirectory(t.TempDir()),
		mediacache.WithMaxConcurrentDownloads(2),
		mediacache.WithCleanupInterval(time.Hour),
		mediacache.WithDiskSpaceMonitorInterval(time.Hour),
	}
	c, err := mediacache.NewCache(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func drainRequest(t *testing.T, req *mediacache.Request, timeout time.Duration) []mediacache.Chunk {
	t.Helper()
	var chunks []mediacache.Chunk
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-req.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
			if chunk.Done || chunk.Err != nil {
				return chunks
			}
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
			return nil
		}
	}
}

func TestHandlePlayerRequestServesFullBodyOnFirstFetch(t *testing.T) {
	body := []byte("hello media cache")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCache(t)
	req := mediacache.NewRequest("r1", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}

	var got []byte
	for _, chunk := range drainRequest(t, req, 2*time.Second) {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		got = append(got, chunk.Data...)
	}
	if string(got) != string(body) {
		t.Fatalf("got body %q, want %q", got, body)
	}

	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	res, err := c.GetMetadata(key)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !res.IsComplete {
		t.Fatalf("resource not marked complete after full fetch: %+v", res)
	}
}

func TestHandlePlayerRequestSecondCallHitsCacheWithoutFetching(t *testing.T) {
	body := []byte("cached payload data")
	var fetchCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCache(t)

	req1 := mediacache.NewRequest("r1", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req1); err != nil {
		t.Fatalf("first HandlePlayerRequest() error = %v", err)
	}
	drainRequest(t, req1, 2*time.Second)

	// Give the loader's own MarkComplete a moment to land before the
	// second request, since it races the first request's chunk delivery.
	time.Sleep(50 * time.Millisecond)

	req2 := mediacache.NewRequest("r2", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req2); err != nil {
		t.Fatalf("second HandlePlayerRequest() error = %v", err)
	}
	chunks := drainRequest(t, req2, 2*time.Second)
	var got []byte
	for _, chunk := range chunks {
		got = append(got, chunk.Data...)
	}
	if string(got) != string(body) {
		t.Fatalf("second read got %q, want %q", got, body)
	}
	if fetchCount != 1 {
		t.Fatalf("expected exactly one origin fetch, with the second read served from cache, got %d", fetchCount)
	}
}

func TestPreloadThenReadServesFromCache(t *testing.T) {
	body := []byte("preloaded bytes for later playback")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCache(t)

	id, err := c.Preload(srv.URL, mediacache.PriorityHigh, int64(len(body)))
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		task, ok := c.PreloadStatus(id)
		if !ok {
			t.Fatal("preload task disappeared before completing")
		}
		if task.State.String() == "completed" {
			break
		}
		if task.State.String() == "failed" {
			t.Fatalf("preload task failed: %s", task.FailReason)
		}
		select {
		case <-deadline:
			t.Fatalf("preload task did not complete in time, last state %s", task.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	res, err := c.GetMetadata(key)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !res.IsComplete {
		t.Fatalf("expected preloaded resource to be complete, got %+v", res)
	}
}

func TestRemoveDeletesMetadataAndData(t *testing.T) {
	body := []byte("remove me")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCache(t)
	req := mediacache.NewRequest("r1", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}
	drainRequest(t, req, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	if err := c.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := c.GetMetadata(key); err == nil {
		t.Fatal("expected GetMetadata to fail after Remove, got nil error")
	}
}

func TestClearAllCancelsActiveLoader(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("partial-"))
		if flusher != nil {
			flusher.Flush()
		}
		<-block
		w.Write([]byte("rest"))
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	c := newTestCache(t)
	req := mediacache.NewRequest("r1", 0, -1)
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}

	// Let the first chunk land before clearing everything out.
	select {
	case <-req.Chunks():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	if err := c.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if c.IsActive(key) {
		t.Fatal("expected the resource's loader to be inactive after ClearAll")
	}
}

func TestIsActiveReflectsInFlightFetch(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("x"))
		if flusher != nil {
			flusher.Flush()
		}
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	c := newTestCache(t)
	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	if c.IsActive(key) {
		t.Fatal("expected key to be inactive before any request")
	}

	req := mediacache.NewRequest("r1", 0, -1)
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}
	select {
	case <-req.Chunks():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}
	if !c.IsActive(key) {
		t.Fatal("expected key to be active while its fetch is in flight")
	}
}

func TestApplyMemoryPressureCriticalEvictsCompletedResources(t *testing.T) {
	body := []byte("evict me under pressure")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCache(t)
	req := mediacache.NewRequest("r1", 0, int64(len(body)))
	if err := c.HandlePlayerRequest(context.Background(), srv.URL, req); err != nil {
		t.Fatalf("HandlePlayerRequest() error = %v", err)
	}
	drainRequest(t, req, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	key, err := c.KeyFor(srv.URL)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	if err := c.ApplyMemoryPressure(context.Background(), mediacache.PressureCritical); err != nil {
		t.Fatalf("ApplyMemoryPressure() error = %v", err)
	}
	if _, err := c.GetMetadata(key); err == nil {
		t.Fatal("expected resource to be evicted under critical pressure")
	}
}

func TestNewCacheSynthesizesMetadataForOrphanCacheFile(t *testing.T) {
	dir := t.TempDir()
	const orphanKey = "orphaned-resource"
	const body = "bytes that survived a crash with no metadata record"
	if err := os.WriteFile(filepath.Join(dir, orphanKey+".bmv"), []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := mediacache.NewCache(
		mediacache.WithCacheDirectory(dir),
		mediacache.WithCleanupInterval(time.Hour),
		mediacache.WithDiskSpaceMonitorInterval(time.Hour),
	)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	defer c.Close()

	res, err := c.GetMetadata(orphanKey)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !res.IsComplete || res.CachedBytes != int64(len(body)) {
		t.Fatalf("synthesized resource = %+v, want complete with %d cached bytes", res, len(body))
	}
	if res.Priority != mediacache.PriorityNormal {
		t.Fatalf("synthesized priority = %v, want normal", res.Priority)
	}
	if got := c.CurrentCacheSize(); got != int64(len(body)) {
		t.Fatalf("CurrentCacheSize() = %d, want %d (orphan file counted in)", got, len(body))
	}
}
