package transfer

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PauseBarrier is a shared asynchronous gate. Every dispatcher iteration
// waits on it before selecting work. A 429/503 response replaces the gate
// with one that opens at the server-directed deadline; the barrier is never
// shrunk — an earlier deadline cannot replace a later one. Transfers that
// already issued their request are not interrupted, only future launches
// wait.
type PauseBarrier struct {
	mu       sync.Mutex
	gate     chan struct{} // closed once the barrier is open
	deadline time.Time
}

// NewPauseBarrier returns an open barrier.
func NewPauseBarrier() *PauseBarrier {
	gate := make(chan struct{})
	close(gate)
	return &PauseBarrier{gate: gate}
}

// Wait blocks until the currently installed gate is open. If a new pause is
// installed while waiting, Wait keeps waiting on the replacement.
func (b *PauseBarrier) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		gate := b.gate
		b.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}

		b.mu.Lock()
		current := b.gate
		b.mu.Unlock()
		if current == gate {
			return nil
		}
	}
}

// PauseUntil closes the barrier until deadline. Deadlines at or before the
// current one are ignored.
func (b *PauseBarrier) PauseUntil(deadline time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !deadline.After(b.deadline) {
		return
	}
	b.deadline = deadline
	gate := make(chan struct{})
	b.gate = gate
	time.AfterFunc(time.Until(deadline), func() { close(gate) })
}

// Deadline returns the instant the barrier opens (zero when never paused).
func (b *PauseBarrier) Deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// ParseRetryAfter converts a Retry-After header value to a delay. It accepts
// a positive integer second count or an HTTP-date in the future. The second
// return is false when the value is absent or unusable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second, true
		}
		return 0, false
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}
