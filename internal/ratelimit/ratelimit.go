package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

// Limiter is sliding-window admission control keyed by an identifier.
// Denial is reported through Decision, never as an error; errors mean the
// backing store failed.
type Limiter interface {
	Admit(ctx context.Context, id string) (Decision, error)
	Remaining(ctx context.Context, id string) (int, error)
	TimeUntilReset(ctx context.Context, id string) (time.Duration, error)
}

// Window is the in-process sliding-window limiter.
type Window struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string][]time.Time
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWindow creates a limiter admitting max requests per trailing window.
func NewWindow(window time.Duration, max int) *Window {
	return &Window{
		window:  window,
		max:     max,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// WithClock swaps the time source. Tests only.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Admit drops expired entries, then registers one unit unless the window
// is full. The whole read-modify-write happens under one lock.
func (w *Window) Admit(_ context.Context, id string) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	live := w.prune(id, now)

	if len(live) >= w.max {
		return Decision{
			Allowed: false,
			ResetIn: w.resetIn(live, now),
			Limit:   w.max,
		}, nil
	}

	w.entries[id] = append(live, now)
	return Decision{
		Allowed:   true,
		Remaining: w.max - len(live) - 1,
		Limit:     w.max,
	}, nil
}

// Remaining reports how many requests id may still make in the window.
func (w *Window) Remaining(_ context.Context, id string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	live := w.live(id, w.now())
	if r := w.max - len(live); r > 0 {
		return r, nil
	}
	return 0, nil
}

// TimeUntilReset is how long until the oldest entry for id expires.
func (w *Window) TimeUntilReset(_ context.Context, id string) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	return w.resetIn(w.live(id, now), now), nil
}

// live filters without mutating, so queries stay pure.
func (w *Window) live(id string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	var out []time.Time
	for _, ts := range w.entries[id] {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

func (w *Window) prune(id string, now time.Time) []time.Time {
	live := w.live(id, now)
	if len(live) == 0 {
		delete(w.entries, id)
		return nil
	}
	w.entries[id] = live
	return live
}

func (w *Window) resetIn(live []time.Time, now time.Time) time.Duration {
	if len(live) == 0 {
		return 0
	}
	d := live[0].Add(w.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Compact evicts identifiers whose windows are empty.
func (w *Window) Compact() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	evicted := 0
	for id := range w.entries {
		if len(w.prune(id, now)) == 0 {
			evicted++
		}
	}
	return evicted
}

// Len is the number of identifiers currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// StartCompaction runs Compact every interval until Stop is called.
func (w *Window) StartCompaction(interval time.Duration) {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.Compact()
			}
		}
	}()
}

// Stop halts background compaction and waits for it to exit.
func (w *Window) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Reset clears all windows. Teardown hook for tests.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string][]time.Time)
}
