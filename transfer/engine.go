package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Disposition classifies the outcome of one transfer attempt. The engine
// turns a disposition into the entry's fate: dequeue, move to end, failure
// accounting, or a global pause.
type Disposition int

const (
	// Success dequeues the entry.
	Success Disposition = iota
	// Permanent gives up on the path immediately (401/403/404/410).
	Permanent
	// Overload pauses all launches for the Retry-After duration and moves
	// the entry to the end without counting a failure (429/503).
	Overload
	// RetryQuiet moves the entry to the end without counting a failure (504).
	RetryQuiet
	// Retry moves the entry to the end and counts one transient failure
	// (500, 502 and any other status not listed above, and transport errors).
	Retry
)

// Result is what a transfer reports back to the engine.
type Result struct {
	Disposition Disposition
	RetryAfter  string // raw Retry-After header value, Overload only
}

// TransferFunc executes one transfer attempt for a path. It must not panic
// and must not touch queue state except through the engine's methods.
type TransferFunc func(ctx context.Context, path string, meta *ItemMetadata) Result

// Config carries the tunables of an engine run.
type Config struct {
	// Simultaneous bounds the count of in-flight transfers.
	Simultaneous int
	// MaxFailures is the per-path transient failure cap before giving up.
	MaxFailures int
	// DefaultRetryAfter is the pause used when the server sends no usable
	// Retry-After header. Each such use multiplies it by RetryAfterGrowth.
	DefaultRetryAfter time.Duration
	RetryAfterGrowth  float64
	// MaxPause is the pause length that triggers graceful abandonment.
	MaxPause time.Duration
}

const (
	defaultRetryAfter = 1500 * time.Millisecond
	maxFailures       = 3
	maxPause          = time.Hour
	rampDelay         = time.Millisecond
)

// BackupConfig returns the engine tunables for a backup run.
func BackupConfig(simultaneous int) Config {
	if simultaneous <= 0 {
		simultaneous = 9
	}
	return Config{
		Simultaneous:      simultaneous,
		MaxFailures:       maxFailures,
		DefaultRetryAfter: defaultRetryAfter,
		RetryAfterGrowth:  2,
		MaxPause:          maxPause,
	}
}

// RestoreConfig returns the engine tunables for a restore run.
func RestoreConfig(simultaneous int) Config {
	if simultaneous <= 0 {
		simultaneous = 10
	}
	return Config{
		Simultaneous:      simultaneous,
		MaxFailures:       maxFailures,
		DefaultRetryAfter: defaultRetryAfter,
		RetryAfterGrowth:  1.5,
		MaxPause:          maxPause,
	}
}

// Engine drives transfers from a shared work queue under a simultaneous
// limit, with per-path failure accounting, a global pause barrier and
// graceful abandonment. One engine serves one run in one direction.
type Engine struct {
	cfg      Config
	transfer TransferFunc
	barrier  *PauseBarrier

	mu           sync.Mutex
	queue        *Queue
	failed       map[string]struct{}
	retryDefault time.Duration
	abandoned    bool
	transferred  int
	completed    bool
	done         chan struct{}
}

// NewEngine creates an engine that executes transfers via fn.
func NewEngine(cfg Config, fn TransferFunc) *Engine {
	return &Engine{
		cfg:          cfg,
		transfer:     fn,
		barrier:      NewPauseBarrier(),
		queue:        NewQueue(),
		failed:       make(map[string]struct{}),
		retryDefault: cfg.DefaultRetryAfter,
		done:         make(chan struct{}),
	}
}

// Enqueue adds a path to the work queue. Re-enqueueing a present path leaves
// the existing entry unchanged (first write wins, including metadata) and
// logs a warning. After abandonment the call is a no-op.
func (e *Engine) Enqueue(path string, meta *ItemMetadata) {
	l := sub("engine")
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.abandoned {
		l.Error("enqueue after abandonment ignored", "path", path)
		return
	}
	if !e.queue.Enqueue(path, meta) {
		l.Warn("path already queued, keeping existing entry", "path", path)
	}
}

// Run starts the dispatcher. An empty queue completes immediately.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.queue.Len() == 0 {
		e.completeLocked()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	go e.Check(ctx)
}

// Done is closed when the queue drains.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until completion or context cancellation.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check scans the queue once and starts at most one new transfer. It first
// awaits the pause barrier, then selects the first not-in-flight path. While
// the in-flight count is still below the simultaneous limit, another Check
// is scheduled on a short timer so parallelism ramps up without bursting.
func (e *Engine) Check(ctx context.Context) {
	if err := e.barrier.Wait(ctx); err != nil {
		return
	}

	e.mu.Lock()
	inFlight := 0
	var next *entry
	for _, en := range e.queue.Entries() {
		if en.inFlight {
			inFlight++
		} else if next == nil {
			next = en
		}
		if next != nil && inFlight >= e.cfg.Simultaneous {
			break
		}
	}
	if next == nil || inFlight >= e.cfg.Simultaneous {
		e.mu.Unlock()
		return
	}
	next.inFlight = true
	path, meta := next.path, next.meta
	if inFlight+1 < e.cfg.Simultaneous {
		time.AfterFunc(rampDelay, func() { e.Check(ctx) })
	}
	e.mu.Unlock()

	res := e.transfer(ctx, path, meta)
	e.settle(path, res)
	go e.Check(ctx)
}

// settle applies a transfer result to the entry's fate.
func (e *Engine) settle(path string, res Result) {
	l := sub("engine")
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.queue.Lookup(path)
	if en == nil {
		return
	}

	switch res.Disposition {
	case Success:
		e.transferred++
		e.removeLocked(path, false)
		return
	case Permanent:
		e.removeLocked(path, true)
		return
	case Overload:
		delay := e.retryDelayLocked(res.RetryAfter)
		e.barrier.PauseUntil(nowFunc().Add(delay))
		l.Warn("server overloaded, pausing launches", "path", path, "delayMs", delay.Milliseconds())
		e.queue.MoveToEnd(path)
	case RetryQuiet:
		e.queue.MoveToEnd(path)
	case Retry:
		en.failures++
		e.queue.MoveToEnd(path)
	}

	if en.failures >= e.cfg.MaxFailures {
		l.Warn("giving up on path", "path", path, "failures", en.failures)
		e.removeLocked(path, true)
		return
	}
	if e.abandoned {
		e.removeLocked(path, true)
		return
	}
	en.inFlight = false
}

// removeLocked dequeues a path, optionally recording it as failed, and runs
// completion when the queue drains.
func (e *Engine) removeLocked(path string, failed bool) {
	e.queue.Dequeue(path)
	if failed {
		e.failed[path] = struct{}{}
	}
	if e.queue.Len() == 0 {
		e.completeLocked()
	}
}

func (e *Engine) completeLocked() {
	if !e.completed {
		e.completed = true
		close(e.done)
	}
}

// retryDelayLocked resolves a Retry-After header to a pause length. An
// unusable header falls back to the per-run default, which then grows by the
// configured factor. A pause beyond MaxPause triggers graceful abandonment
// but is still honored for the current pause.
func (e *Engine) retryDelayLocked(header string) time.Duration {
	delay, ok := ParseRetryAfter(header, nowFunc())
	if !ok {
		delay = e.retryDefault
		e.retryDefault = time.Duration(float64(e.retryDefault) * e.cfg.RetryAfterGrowth)
	}
	if delay > e.cfg.MaxPause {
		sub("engine").Error("retry-after exceeds maximum, abandoning run",
			"delayMs", delay.Milliseconds(), "maxMs", e.cfg.MaxPause.Milliseconds())
		e.abandonLocked()
	}
	return delay
}

// AbandonGracefully stops launching new transfers: every not-in-flight entry
// is removed from the queue and recorded as failed, while in-flight
// transfers complete naturally.
func (e *Engine) AbandonGracefully(reason string) {
	sub("engine").Warn("abandoning run", "reason", reason)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abandonLocked()
}

func (e *Engine) abandonLocked() {
	if e.abandoned {
		return
	}
	e.abandoned = true
	for _, en := range e.queue.Entries() {
		if !en.inFlight {
			e.removeLocked(en.path, true)
		}
	}
}

// Abandoned reports whether graceful abandonment fired.
func (e *Engine) Abandoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abandoned
}

// Transferred returns the count of successfully transferred paths.
func (e *Engine) Transferred() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transferred
}

// FailedPaths returns the paths the engine has given up on, sorted.
func (e *Engine) FailedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := lo.Keys(e.failed)
	sort.Strings(paths)
	return paths
}

// QueuedPaths returns the paths still queued, in selection order.
func (e *Engine) QueuedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Paths()
}
