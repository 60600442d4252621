// Package preload implements the bounded-concurrency, priority-ordered
// background prefetch scheduler.
package preload

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/mediacache/internal/loader"
	"github.com/meigma/mediacache/internal/metadata"
)

// State is a PreloadTask's lifecycle state.
type State int

const (
	Queued State = iota
	Running
	Completed
	Failed
	Cancelled
	Paused
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Task is one unit of preload work.
type Task struct {
	ID       string
	URL      string
	Key      string
	Length   int64
	Priority metadata.Priority

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	State      State
	RetryCount int
	FailReason string

	TimeoutSeconds int

	cancel context.CancelFunc
}

func (t *Task) snapshot() *Task {
	cp := *t
	cp.cancel = nil
	return &cp
}

// Delegator attaches a preload request to the Loader owning a key,
// creating the Loader on first use.
type Delegator interface {
	Preload(ctx context.Context, url string, req *loader.Request) (string, error)
}

// Cache is the narrow CacheCore view the scheduler needs to short-circuit
// already-complete resources and to carry task priority into metadata.
type Cache interface {
	Stat(key string) (size int64, exists bool, err error)
	GetMetadata(key string) (*metadata.Resource, error)
	MarkComplete(ctx context.Context, key string, expectedSize *int64) error
	SetPriority(key string, priority metadata.Priority) error
}

// KeyFunc derives a resource key from a URL.
type KeyFunc func(url string) (string, error)

// Counters tracks lifetime totals across all tasks ever submitted.
type Counters struct {
	Created   uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

const (
	defaultMaxConcurrent      = 4
	defaultMaxRetries         = 3
	defaultInitialBackoff     = time.Second
	defaultAgingThreshold     = 30 * time.Second
	defaultHistoryLimit       = 256
)

// Scheduler is a single coordinator owning the queue, the running set,
// a bounded history, and lifetime counters.
type Scheduler struct {
	mu       sync.Mutex
	queue    taskHeap
	running  map[string]*Task
	paused   map[string]*Task
	history  []*Task
	counters Counters

	maxConcurrent  int64
	maxRetries     int
	initialBackoff time.Duration
	dynamicAging   bool
	agingThreshold time.Duration
	historyLimit   int

	sem              *semaphore.Weighted
	delegator        Delegator
	cache            Cache
	keyFunc          KeyFunc
	logger           *slog.Logger
	defaultTimeout   time.Duration

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent sets the bound on simultaneously running tasks.
func WithMaxConcurrent(n int64) Option {
	return func(s *Scheduler) { s.maxConcurrent = n }
}

// WithMaxRetries sets the number of retries attempted after a transient
// failure before a task is marked failed.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) { s.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay (doubling thereafter).
func WithInitialBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.initialBackoff = d }
}

// WithDynamicAging enables priority bumping for long-queued tasks.
func WithDynamicAging(enabled bool, threshold time.Duration) Option {
	return func(s *Scheduler) {
		s.dynamicAging = enabled
		if threshold > 0 {
			s.agingThreshold = threshold
		}
	}
}

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDefaultTimeout sets the per-task deadline that Add copies into
// every new task's TimeoutSeconds, truncated to whole seconds. Zero (the
// default) means no deadline beyond the task's own retry exhaustion.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// New creates a Scheduler. delegator attaches preload requests to
// Loaders; cache is consulted to skip already-complete resources.
func New(delegator Delegator, cache Cache, keyFunc KeyFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		running:        make(map[string]*Task),
		paused:         make(map[string]*Task),
		maxConcurrent:  defaultMaxConcurrent,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		agingThreshold: defaultAgingThreshold,
		historyLimit:   defaultHistoryLimit,
		delegator:      delegator,
		cache:          cache,
		keyFunc:        keyFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxConcurrent)
	return s
}

func (s *Scheduler) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Add enqueues a new PreloadTask for url and returns its ID.
func (s *Scheduler) Add(url string, priority metadata.Priority, length int64) (string, error) {
	key, err := s.keyFunc(url)
	if err != nil {
		return "", fmt.Errorf("preload: derive key for %s: %w", url, err)
	}

	t := &Task{
		ID:             uuid.NewString(),
		URL:            url,
		Key:            key,
		Length:         length,
		Priority:       priority,
		CreatedAt:      time.Now(),
		State:          Queued,
		TimeoutSeconds: int(s.defaultTimeout / time.Second),
	}

	s.mu.Lock()
	heap.Push(&s.queue, t)
	s.counters.Created++
	s.mu.Unlock()

	s.dispatch()
	return t.ID, nil
}

// dispatch applies dynamic aging, then starts as many queued tasks as
// free concurrency slots allow.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	if s.dynamicAging {
		s.applyAgingLocked()
	}
	for len(s.queue) > 0 && s.sem.TryAcquire(1) {
		t := heap.Pop(&s.queue).(*Task)
		t.State = Running
		t.StartedAt = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		s.running[t.ID] = t
		go s.run(ctx, t)
	}
	s.mu.Unlock()
}

func (s *Scheduler) applyAgingLocked() {
	now := time.Now()
	changed := false
	for _, t := range s.queue {
		if t.Priority >= metadata.PriorityPermanent {
			continue
		}
		if now.Sub(t.CreatedAt) > s.agingThreshold {
			t.Priority++
			changed = true
		}
	}
	if changed {
		heap.Init(&s.queue)
	}
}

// run executes one dispatched task end to end, including retries, and
// finalizes it into the running-set-cleared + history state.
func (s *Scheduler) run(ctx context.Context, t *Task) {
	s.wg.Add(1)
	defer s.wg.Done()

	if t.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptErr := s.executeOnce(ctx, t)
		if attemptErr == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		s.mu.Lock()
		t.RetryCount++
		retryCount := t.RetryCount
		s.mu.Unlock()
		if retryCount > s.maxRetries {
			return struct{}{}, backoff.Permanent(attemptErr)
		}
		return struct{}{}, attemptErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.maxRetries)+1))

	s.finish(t, err, ctx)
}

// executeOnce performs one dispatch attempt: ensure metadata, short-circuit
// an already-complete file, or delegate to the Loader as a preload
// attachment.
func (s *Scheduler) executeOnce(ctx context.Context, t *Task) error {
	if err := s.cache.SetPriority(t.Key, t.Priority); err != nil {
		s.log().Debug("preload: set priority failed (resource not yet created)", "key", t.Key, "error", err)
	}

	size, exists, err := s.cache.Stat(t.Key)
	if err != nil {
		return fmt.Errorf("preload: stat %s: %w", t.Key, err)
	}
	if exists && size > 0 {
		if res, merr := s.cache.GetMetadata(t.Key); merr == nil && res.HasLength && res.TotalLength == size {
			return s.cache.MarkComplete(ctx, t.Key, &res.TotalLength)
		}
	}

	req := loader.NewRequest(t.ID, 0, t.Length)
	if _, err := s.delegator.Preload(ctx, t.URL, req); err != nil {
		return fmt.Errorf("preload: attach %s: %w", t.URL, err)
	}
	for chunk := range req.Chunks() {
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.Done {
			break
		}
	}
	return nil
}

func (s *Scheduler) finish(t *Task, err error, ctx context.Context) {
	t.EndedAt = time.Now()
	s.sem.Release(1)

	s.mu.Lock()
	delete(s.running, t.ID)
	if t.State == Paused {
		// Pause already moved this task to the paused set and cancelled
		// its context; its partial cache stays, and it is not terminal.
		s.mu.Unlock()
		s.dispatch()
		return
	}
	switch {
	case err == nil:
		t.State = Completed
		s.counters.Completed++
	case ctx.Err() != nil:
		t.State = Cancelled
		s.counters.Cancelled++
	default:
		t.State = Failed
		t.FailReason = err.Error()
		s.counters.Failed++
	}
	s.appendHistoryLocked(t)
	s.mu.Unlock()

	s.dispatch()
}

func (s *Scheduler) appendHistoryLocked(t *Task) {
	s.history = append(s.history, t)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// Pause moves a queued task to Paused and removes it from dispatch
// candidates, or cancels a running task's active session (preserving
// its partial cache) and places it in Paused once the cancellation is
// observed. It reports whether a matching non-terminal task was found.
func (s *Scheduler) Pause(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.queue.indexOf(id); idx >= 0 {
		t := heap.Remove(&s.queue, idx).(*Task)
		t.State = Paused
		s.paused[id] = t
		return true
	}
	if t, ok := s.running[id]; ok {
		t.State = Paused
		s.paused[id] = t
		if t.cancel != nil {
			t.cancel()
		}
		return true
	}
	return false
}

// Resume returns a Paused task to Queued, re-dispatching if a slot is
// free. It reports whether a matching paused task was found.
func (s *Scheduler) Resume(id string) bool {
	s.mu.Lock()
	t, ok := s.paused[id]
	if ok {
		delete(s.paused, id)
		t.State = Queued
		t.RetryCount = 0
		heap.Push(&s.queue, t)
	}
	s.mu.Unlock()
	if ok {
		s.dispatch()
	}
	return ok
}

// Cancel transitions a queued or running task to Cancelled. It is
// idempotent and reports true iff the task was queued or running.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	if idx := s.queue.indexOf(id); idx >= 0 {
		t := heap.Remove(&s.queue, idx).(*Task)
		t.State = Cancelled
		t.EndedAt = time.Now()
		s.counters.Cancelled++
		s.appendHistoryLocked(t)
		s.mu.Unlock()
		return true
	}
	if t, ok := s.running[id]; ok {
		if t.cancel != nil {
			t.cancel()
		}
		s.mu.Unlock()
		return true
	}
	if t, ok := s.paused[id]; ok {
		delete(s.paused, id)
		t.State = Cancelled
		t.EndedAt = time.Now()
		s.counters.Cancelled++
		s.appendHistoryLocked(t)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return false
}

// CancelAll transitions every non-terminal task to Cancelled.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	for _, t := range s.queue {
		t.State = Cancelled
		t.EndedAt = time.Now()
		s.counters.Cancelled++
		s.appendHistoryLocked(t)
	}
	s.queue = s.queue[:0]
	for id, t := range s.paused {
		t.State = Cancelled
		t.EndedAt = time.Now()
		s.counters.Cancelled++
		s.appendHistoryLocked(t)
		delete(s.paused, id)
	}
	running := make([]*Task, 0, len(s.running))
	for _, t := range s.running {
		running = append(running, t)
	}
	s.mu.Unlock()

	for _, t := range running {
		if t.cancel != nil {
			t.cancel()
		}
	}
}

// Wait blocks until every currently running task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status returns a snapshot of task t's current state, or false if id
// is unknown.
func (s *Scheduler) Status(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.queue.indexOf(id); idx >= 0 {
		return s.queue[idx].snapshot(), true
	}
	if t, ok := s.running[id]; ok {
		return t.snapshot(), true
	}
	if t, ok := s.paused[id]; ok {
		return t.snapshot(), true
	}
	for _, t := range s.history {
		if t.ID == id {
			return t.snapshot(), true
		}
	}
	return nil, false
}

// Counters returns a snapshot of lifetime totals.
func (s *Scheduler) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// taskHeap orders tasks by (priority desc, createdAt asc) and
// implements container/heap.Interface.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h taskHeap) indexOf(id string) int {
	for i, t := range h {
		if t.ID == id {
			return i
		}
	}
	return -1
}
