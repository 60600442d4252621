package batchwriter

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	writes []chunk
}

func (s *memSink) Write(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, chunk{offset: offset, data: cp})
	return nil
}

func TestAppendFlushesImmediatelyWhenIntervalElapsed(t *testing.T) {
	t.Parallel()

	w := New(WithFlushInterval(0))
	sink := &memSink{}

	if err := w.Append("k", sink, 0, []byte("abc")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if len(sink.writes) != 1 {
		t.Fatalf("writes = %d, want 1 (interval 0 flushes eagerly)", len(sink.writes))
	}
}

func TestAppendCoalescesWithinWindow(t *testing.T) {
	t.Parallel()

	w := New(WithFlushInterval(time.Hour))
	sink := &memSink{}

	if err := w.Append("k", sink, 0, []byte("a")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Append("k", sink, 1, []byte("b")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(sink.writes) != 0 {
		t.Fatalf("writes = %d, want 0 before flush", len(sink.writes))
	}
	if !w.Pending("k") {
		t.Fatal("Pending() = false, want true")
	}

	if err := w.Flush("k", sink); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(sink.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(sink.writes))
	}
	// Enqueue order preserved.
	if sink.writes[0].offset != 0 || sink.writes[1].offset != 1 {
		t.Fatalf("writes out of order: %+v", sink.writes)
	}
}

func TestCancelDropsPending(t *testing.T) {
	t.Parallel()

	w := New(WithFlushInterval(time.Hour))
	sink := &memSink{}
	if err := w.Append("k", sink, 0, []byte("a")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	w.Cancel("k")
	if w.Pending("k") {
		t.Fatal("Pending() = true after Cancel, want false")
	}
}

func TestTickFlushesStaleKeys(t *testing.T) {
	t.Parallel()

	w := New(WithFlushInterval(10 * time.Millisecond))
	sink := &memSink{}
	if err := w.Append("k", sink, 0, []byte("a")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := w.Tick(context.Background(), map[string]Sink{"k": sink}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("writes = %d, want 1 after Tick", len(sink.writes))
	}
}
