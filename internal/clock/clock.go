// Package clock is the time source for everything that waits on an instant.
package clock

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the current time and the two ways of waiting the booking loop needs.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// SpinUntil busy-waits until t without yielding to the scheduler's timers.
	// It never spins longer than max.
	SpinUntil(ctx context.Context, t time.Time, max time.Duration)
}

// Real is the wall clock, optionally shifted by a trusted server offset.
type Real struct {
	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// New returns a Real clock. When offset is nil the local clock is used and that
// fallback is logged, since it directly affects firing accuracy.
func New(log *zap.Logger, offset *time.Duration) *Real {
	c := &Real{}
	if offset != nil {
		c.SetOffset(*offset)
		log.Info("clock: using server time", zap.Duration("offset", *offset))
	} else {
		log.Warn("clock: no trusted server time, falling back to local clock")
	}
	return c
}

func (c *Real) SetOffset(d time.Duration) {
	c.mu.Lock()
	c.offset = d
	c.synced = true
	c.mu.Unlock()
}

// Synced reports whether a server offset is applied.
func (c *Real) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

func (c *Real) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return time.Now().Add(off)
}

func (c *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Real) SpinUntil(ctx context.Context, t time.Time, max time.Duration) {
	bound := time.Now().Add(max)
	for {
		now := time.Now()
		if !c.Now().Before(t) || !now.Before(bound) || ctx.Err() != nil {
			return
		}
	}
}

// OffsetFromDate estimates server-minus-local offset from a response Date header.
// sent and received bracket the request; the midpoint stands in for the server's
// stamping instant. The header only has second resolution, so the estimate is
// rounded to the half second the header could not express.
func OffsetFromDate(h http.Header, sent, received time.Time) (time.Duration, bool) {
	raw := h.Get("Date")
	if raw == "" {
		return 0, false
	}
	server, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	mid := sent.Add(received.Sub(sent) / 2)
	return server.Add(500 * time.Millisecond).Sub(mid), true
}
