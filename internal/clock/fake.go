package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when something sleeps,
// spins, or calls Advance; Sleep returns immediately after advancing.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	spins   int
	onSleep func(d time.Duration)
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// OnSleep registers a hook run at the start of every Sleep, before the context
// is checked. Tests use it to cancel a task at a precise point.
func (f *Fake) OnSleep(fn func(d time.Duration)) {
	f.mu.Lock()
	f.onSleep = fn
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	hook := f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

func (f *Fake) SpinUntil(ctx context.Context, t time.Time, max time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spins++
	if ctx.Err() != nil || !f.now.Before(t) {
		return
	}
	if limit := f.now.Add(max); limit.Before(t) {
		t = limit
	}
	f.now = t
}

// Sleeps returns every duration passed to Sleep so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

// Slept is the sum of all recorded sleeps.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	for _, d := range f.sleeps {
		total += d
	}
	return total
}

func (f *Fake) Spins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spins
}
