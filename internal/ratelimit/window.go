// Package ratelimit provides sliding-window admission control. Acquire delays
// callers until a slot frees up; it never rejects.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits one request per Acquire call.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Window is an in-process sliding-window limiter allowing at most limit
// grants in any trailing window.
type Window struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time // grant times, oldest first
	now    func() time.Time
}

// NewWindow creates a limiter for limit requests per window.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 1
	}
	return &Window{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire evicts expired grants and records a new one if there is room.
// Otherwise it reports how long until the oldest grant leaves the window.
func (w *Window) tryAcquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cut := 0
	for cut < len(w.stamps) && now.Sub(w.stamps[cut]) >= w.window {
		cut++
	}
	w.stamps = append(w.stamps[:0], w.stamps[cut:]...)

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0, true
	}
	wait := w.stamps[0].Add(w.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// InFlight returns the number of grants inside the current window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	n := 0
	for _, s := range w.stamps {
		if now.Sub(s) < w.window {
			n++
		}
	}
	return n
}
