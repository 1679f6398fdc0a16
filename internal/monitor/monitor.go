// Package monitor keeps an eye on the portal session between tasks.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/metrics"
)

// Lister is the one portal call the monitor needs.
type Lister interface {
	QueryListing(ctx context.Context) ([]byte, error)
}

type Options struct {
	Interval time.Duration
	// Busy, when set, suppresses probes while it returns true so the monitor
	// never competes with booking attempts.
	Busy func() bool
	Log  *zap.Logger
}

// Monitor reports session health. It never stops a task.
type Monitor struct {
	portal Lister
	opts   Options

	mu      sync.Mutex
	health  booking.Health
	checked time.Time
	warned  bool
}

func New(p Lister, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Monitor{portal: p, opts: opts, health: booking.Healthy}
}

// Probe queries the listing once and updates health. It returns false when
// the probe was skipped or the portal could not be reached; health is left
// unchanged in both cases.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.opts.Busy != nil && m.opts.Busy() {
		m.opts.Log.Debug("session probe skipped, task attempting")
		return false
	}
	raw, err := m.portal.QueryListing(ctx)
	if err != nil {
		m.opts.Log.Warn("session probe failed", zap.Error(err))
		return false
	}

	h := booking.Healthy
	if !isJSON(raw) {
		h = booking.SuspectedExpired
	}
	metrics.RecordProbe(h)

	m.mu.Lock()
	m.health = h
	m.checked = time.Now()
	warn := h == booking.SuspectedExpired && !m.warned
	if h == booking.SuspectedExpired {
		m.warned = true
	} else {
		m.warned = false
	}
	m.mu.Unlock()

	if warn {
		m.opts.Log.Warn("portal session looks expired, refresh the cookie before the next task")
	}
	return true
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) Health() booking.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// LastChecked is when health was last updated; zero before the first probe.
func (m *Monitor) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checked
}

func isJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && json.Valid(trimmed)
}
