// Package controller owns the single booking task a process may run at a time.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
	"github.com/example/lecturegrab/internal/lease"
	"github.com/example/lecturegrab/internal/metrics"
)

const DefaultLeaseKey = "lecturegrab:active-task"

// Recorder persists a task's lifecycle. Calls arrive on the task goroutine
// and must not block for long.
type Recorder interface {
	Started(handleID string)
	Outcome(handleID string, attempt int, o booking.Outcome)
	Finished(handleID string, res booking.Result)
}

type Options struct {
	Portal   booking.Portal
	Solver   booking.Solver
	Clock    clock.Clock
	Log      *zap.Logger
	Location *time.Location
	Timing   booking.Timing

	// Lease extends single-flight across processes. Nil keeps it in process.
	Lease    lease.Locker
	LeaseKey string
	LeaseTTL time.Duration
}

type Controller struct {
	opts Options

	mu     sync.Mutex
	active *Handle
	last   *Handle
}

func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.LeaseKey == "" {
		opts.LeaseKey = DefaultLeaseKey
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Minute
	}
	return &Controller{opts: opts}
}

type startConfig struct {
	recorder Recorder
}

type StartOption func(*startConfig)

// WithRecorder attaches a Recorder to one task.
func WithRecorder(r Recorder) StartOption {
	return func(c *startConfig) { c.recorder = r }
}

// Start validates task, claims the single-flight slot and arms a loop for it.
// It returns booking.ErrTaskAlreadyRunning while another task is waiting or
// attempting, here or in any process sharing the lease. The task outlives
// ctx; only Stop cancels it.
func (c *Controller) Start(ctx context.Context, task booking.Task, opts ...StartOption) (*Handle, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	var sc startConfig
	for _, o := range opts {
		o(&sc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, booking.ErrTaskAlreadyRunning
	}

	id := uuid.NewString()
	if c.opts.Lease != nil {
		if err := c.opts.Lease.Acquire(ctx, c.opts.LeaseKey, id, c.opts.LeaseTTL); err != nil {
			if errors.Is(err, lease.ErrHeld) {
				return nil, booking.ErrTaskAlreadyRunning
			}
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
	}

	log := c.opts.Log.With(zap.String("task_id", id))
	h := &Handle{
		ID:   id,
		Task: task,
		rec:  sc.recorder,
		done: make(chan struct{}),
	}
	h.loop = booking.NewLoop(task, booking.Deps{
		Portal:   c.opts.Portal,
		Solver:   c.opts.Solver,
		Clock:    c.opts.Clock,
		Log:      log,
		Location: c.opts.Location,
		Observer: observer{h: h},
		Timing:   c.opts.Timing,
	})
	phase := h.loop.Arm()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	c.active = h

	log.Info("task started",
		zap.String("resource_id", task.ResourceID),
		zap.String("name", task.DisplayName),
		zap.Time("target", task.TargetTime),
		zap.Duration("lead", task.Lead),
		zap.Stringer("phase", phase))
	if h.rec != nil {
		h.rec.Started(id)
	}

	go c.run(runCtx, h, log)
	return h, nil
}

func (c *Controller) run(ctx context.Context, h *Handle, log *zap.Logger) {
	defer h.cancel()
	stopRenewal := c.keepLease(h, log)
	res := h.loop.Run(ctx)
	stopRenewal()

	h.mu.Lock()
	h.result = res
	h.finished = true
	h.mu.Unlock()

	if c.opts.Lease != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.opts.Lease.Release(rctx, c.opts.LeaseKey, h.ID); err != nil {
			log.Warn("lease release failed", zap.Error(err))
		}
		cancel()
	}
	metrics.RecordFinished(res.Reason)

	// free the slot before the recorder, which may wait on the database
	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.last = h
	c.mu.Unlock()

	if h.rec != nil {
		h.rec.Finished(h.ID, res)
	}
	close(h.done)
}

// keepLease re-acquires the lease every third of its TTL while the task runs.
// Losing it to another owner cancels the task. The returned function stops
// the renewal and waits for it.
func (c *Controller) keepLease(h *Handle, log *zap.Logger) func() {
	if c.opts.Lease == nil {
		return func() {}
	}
	every := c.opts.LeaseTTL / 3
	if every <= 0 {
		every = c.opts.LeaseTTL
	}
	quit := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
			}
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.opts.Lease.Acquire(rctx, c.opts.LeaseKey, h.ID, c.opts.LeaseTTL)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrHeld):
				log.Error("lease taken by another owner, stopping task")
				h.cancel()
				return
			default:
				log.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}()
	return func() {
		close(quit)
		<-stopped
	}
}

// Stop cancels the active task, if any. It is idempotent and does not wait;
// use the handle's Done channel for that.
func (c *Controller) Stop() {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h != nil {
		c.opts.Log.Info("stop requested", zap.String("task_id", h.ID))
		h.cancel()
	}
}

// Active returns the running task's handle or nil.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Last returns the most recently finished task's handle or nil.
func (c *Controller) Last() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Busy reports whether a task is currently sending attempts.
func (c *Controller) Busy() bool {
	h := c.Active()
	return h != nil && h.State().Phase == booking.Attempting
}

// Handle is a started task.
type Handle struct {
	ID   string
	Task booking.Task

	loop   *booking.Loop
	rec    Recorder
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	result   booking.Result
	finished bool
}

// Done is closed once the task has terminated and released its slot.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the final result; ok is false while the task runs.
func (h *Handle) Result() (booking.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.finished
}

func (h *Handle) State() booking.State { return h.loop.State() }

// Wait blocks until the task terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) (booking.Result, error) {
	select {
	case <-h.done:
		res, _ := h.Result()
		return res, nil
	case <-ctx.Done():
		return booking.Result{}, ctx.Err()
	}
}

type observer struct{ h *Handle }

func (o observer) OnFire(late time.Duration) { metrics.RecordFireDelay(late) }

func (o observer) OnSolve(err error) { metrics.RecordSolve(err) }

func (o observer) OnOutcome(attempt int, out booking.Outcome) {
	metrics.RecordOutcome(out.Kind)
	if o.h.rec != nil {
		o.h.rec.Outcome(o.h.ID, attempt, out)
	}
}
