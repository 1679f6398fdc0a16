package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/tasks"
)

// Store is the part of the task repository the scheduler uses.
type Store interface {
	DueScheduled(ctx context.Context, horizon time.Time, limit int) ([]tasks.Record, error)
	SetStatus(ctx context.Context, id int64, status tasks.Status, lastErr *string) error
}

type Starter interface {
	Start(ctx context.Context, task booking.Task, opts ...controller.StartOption) (*controller.Handle, error)
}

// Scheduler polls for scheduled tasks and hands them to the controller shortly
// before they are due, leaving the precise wait to the booking loop.
type Scheduler struct {
	Store    Store
	Starter  Starter
	Interval time.Duration
	// ArmAhead is how long before its fire instant a task is started.
	ArmAhead time.Duration
	// Recorder, when set, supplies the history recorder for a task row.
	Recorder func(id int64) controller.Recorder
	// Catalog, when set, is consulted before each start so a task whose
	// booking window closed in the meantime is failed instead of fired.
	Catalog         controller.Catalog
	Location        *time.Location
	PermissionCheck bool
	Now             func() time.Time
	Log             *zap.Logger
}

const DefaultArmAhead = 2 * time.Minute

func (s *Scheduler) Run(ctx context.Context) error {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every scheduled task that is due within ArmAhead. A task that
// cannot start because another one holds the slot is marked rejected rather
// than queued.
func (s *Scheduler) Tick(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ahead := s.ArmAhead
	if ahead <= 0 {
		ahead = DefaultArmAhead
	}

	due, err := s.Store.DueScheduled(ctx, now.Add(ahead), 25)
	if err != nil {
		log.Error("scheduler: due tasks query failed", zap.Error(err))
		return
	}

	for _, rec := range due {
		task := rec.Task
		if s.Catalog != nil {
			checked, _, err := controller.Preflight(ctx, s.Catalog, task, s.Location, now, s.PermissionCheck)
			if err != nil {
				if !refused(err) {
					// portal trouble; the row stays scheduled for the next tick
					log.Warn("scheduled task preflight failed, will retry", zap.Int64("task_row", rec.ID), zap.Error(err))
					continue
				}
				s.setStatus(ctx, log, rec.ID, tasks.StatusFailed, err)
				log.Warn("scheduled task refused", zap.Int64("task_row", rec.ID), zap.Error(err))
				continue
			}
			task = checked
		}

		var opts []controller.StartOption
		if s.Recorder != nil {
			opts = append(opts, controller.WithRecorder(s.Recorder(rec.ID)))
		}
		h, err := s.Starter.Start(ctx, task, opts...)
		if err == nil {
			log.Info("scheduled task started", zap.Int64("task_row", rec.ID), zap.String("task_id", h.ID))
			continue
		}

		status := tasks.StatusFailed
		if errors.Is(err, booking.ErrTaskAlreadyRunning) {
			status = tasks.StatusRejected
		}
		s.setStatus(ctx, log, rec.ID, status, err)
		log.Warn("scheduled task not started", zap.Int64("task_row", rec.ID), zap.String("status", string(status)), zap.Error(err))
	}
}

func (s *Scheduler) setStatus(ctx context.Context, log *zap.Logger, id int64, status tasks.Status, cause error) {
	msg := cause.Error()
	if err := s.Store.SetStatus(ctx, id, status, &msg); err != nil {
		log.Error("scheduler: status update failed", zap.Int64("task_row", id), zap.Error(err))
	}
}

// refused reports whether a preflight error is final for the task rather
// than a portal problem worth retrying.
func refused(err error) bool {
	return errors.Is(err, booking.ErrWindowClosed) ||
		errors.Is(err, booking.ErrInvalidTask) ||
		errors.Is(err, booking.ErrPermissionDenied)
}
