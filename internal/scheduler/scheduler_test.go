package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/tasks"
)

type fakeStore struct {
	due      []tasks.Record
	horizons []time.Time
	statuses map[int64]tasks.Status
	err      error
}

func (f *fakeStore) DueScheduled(ctx context.Context, horizon time.Time, limit int) ([]tasks.Record, error) {
	f.horizons = append(f.horizons, horizon)
	return f.due, f.err
}

func (f *fakeStore) SetStatus(ctx context.Context, id int64, status tasks.Status, lastErr *string) error {
	if f.statuses == nil {
		f.statuses = map[int64]tasks.Status{}
	}
	f.statuses[id] = status
	return nil
}

type fakeStarter struct {
	started []booking.Task
	opts    []int
	busy    bool
}

func (f *fakeStarter) Start(ctx context.Context, task booking.Task, opts ...controller.StartOption) (*controller.Handle, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if f.busy {
		return nil, booking.ErrTaskAlreadyRunning
	}
	f.busy = true
	f.started = append(f.started, task)
	f.opts = append(f.opts, len(opts))
	return &controller.Handle{ID: "h"}, nil
}

type nopRecorder struct{}

func (nopRecorder) Started(string)                       {}
func (nopRecorder) Outcome(string, int, booking.Outcome) {}
func (nopRecorder) Finished(string, booking.Result)      {}

var now = time.Date(2025, 3, 1, 18, 58, 30, 0, time.UTC)

func TestTickStartsDueAndRejectsTheRest(t *testing.T) {
	store := &fakeStore{due: []tasks.Record{
		{ID: 1, Task: booking.Task{ResourceID: "A", TargetTime: now.Add(90 * time.Second)}},
		{ID: 2, Task: booking.Task{ResourceID: "B", TargetTime: now.Add(100 * time.Second)}},
		{ID: 3, Task: booking.Task{TargetTime: now}},
	}}
	starter := &fakeStarter{}
	var recorded []int64
	s := &Scheduler{
		Store:   store,
		Starter: starter,
		Now:     func() time.Time { return now },
		Recorder: func(id int64) controller.Recorder {
			recorded = append(recorded, id)
			return nopRecorder{}
		},
	}

	s.Tick(context.Background())

	require.Len(t, starter.started, 1)
	assert.Equal(t, "A", starter.started[0].ResourceID)
	assert.Equal(t, []int{1}, starter.opts)
	assert.Equal(t, []int64{1, 2, 3}, recorded)
	assert.Equal(t, map[int64]tasks.Status{2: tasks.StatusRejected, 3: tasks.StatusFailed}, store.statuses)
	assert.Equal(t, []time.Time{now.Add(DefaultArmAhead)}, store.horizons)
}

func TestTickSurvivesQueryError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	starter := &fakeStarter{}
	s := &Scheduler{Store: store, Starter: starter, ArmAhead: time.Minute, Now: func() time.Time { return now }}
	s.Tick(context.Background())
	assert.Empty(t, starter.started)
	assert.Equal(t, []time.Time{now.Add(time.Minute)}, store.horizons)
}

func TestRunStopsWithContext(t *testing.T) {
	store := &fakeStore{}
	s := &Scheduler{Store: store, Starter: &fakeStarter{}, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
	assert.GreaterOrEqual(t, len(store.horizons), 2)
}

type fakeCatalog struct {
	resources []booking.Resource
	err       error
}

func (c fakeCatalog) Lectures(ctx context.Context, loc *time.Location) ([]booking.Resource, error) {
	return c.resources, c.err
}

func (c fakeCatalog) CheckPermission(ctx context.Context, resourceID string) error { return nil }

func TestTickRefusesClosedWindow(t *testing.T) {
	store := &fakeStore{due: []tasks.Record{
		{ID: 1, Task: booking.Task{ResourceID: "OLD", TargetTime: now.Add(-time.Hour)}},
		{ID: 2, Task: booking.Task{ResourceID: "GONE", TargetTime: now.Add(time.Minute)}},
		{ID: 3, Task: booking.Task{ResourceID: "OK", TargetTime: now.Add(time.Minute)}},
	}}
	starter := &fakeStarter{}
	s := &Scheduler{
		Store:   store,
		Starter: starter,
		Catalog: fakeCatalog{resources: []booking.Resource{
			{ID: "OLD", DisplayName: "Closed", EndTime: now.Add(-time.Minute)},
			{ID: "OK", DisplayName: "Physics", EndTime: now.Add(time.Hour)},
		}},
		Location: time.UTC,
		Now:      func() time.Time { return now },
	}

	s.Tick(context.Background())

	require.Len(t, starter.started, 1)
	assert.Equal(t, "OK", starter.started[0].ResourceID)
	assert.Equal(t, "Physics", starter.started[0].DisplayName)
	assert.Equal(t, map[int64]tasks.Status{1: tasks.StatusFailed, 2: tasks.StatusFailed}, store.statuses)
}

func TestTickKeepsRowWhenPortalUnreachable(t *testing.T) {
	store := &fakeStore{due: []tasks.Record{
		{ID: 1, Task: booking.Task{ResourceID: "A", TargetTime: now.Add(time.Minute)}},
	}}
	starter := &fakeStarter{}
	s := &Scheduler{
		Store:   store,
		Starter: starter,
		Catalog: fakeCatalog{err: errors.New("connection refused")},
		Now:     func() time.Time { return now },
	}

	s.Tick(context.Background())

	assert.Empty(t, starter.started)
	assert.Empty(t, store.statuses)
}
