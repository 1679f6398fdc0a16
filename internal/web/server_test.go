package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lecturegrab/internal/auth"
	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/booking/bookingtest"
	"github.com/example/lecturegrab/internal/clock"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/db"
	"github.com/example/lecturegrab/internal/events"
	"github.com/example/lecturegrab/internal/tasks"
)

var now = time.Date(2025, 3, 1, 18, 59, 0, 0, time.UTC)

type userRow struct {
	id   int64
	hash string
	err  error
}

func (r userRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	if len(dest) > 1 {
		*dest[1].(*string) = r.hash
	}
	return nil
}

type users map[string]userRow

func (u users) Exec(ctx context.Context, sql string, args ...any) error { return nil }

func (u users) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	if len(args) == 2 {
		row := userRow{id: int64(len(u) + 1), hash: args[1].(string)}
		u[args[0].(string)] = row
		return row
	}
	row, ok := u[args[0].(string)]
	if !ok {
		return userRow{err: pgx.ErrNoRows}
	}
	return row
}

func (u users) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not used")
}

type created struct {
	task   booking.Task
	status tasks.Status
	user   *int64
}

type taskStore struct {
	mu       sync.Mutex
	created  []created
	statuses map[int64]tasks.Status
	recent   []tasks.Record
}

func (s *taskStore) Create(ctx context.Context, userID *int64, t booking.Task, status tasks.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, created{task: t, status: status, user: userID})
	return int64(len(s.created)), nil
}

func (s *taskStore) SetStatus(ctx context.Context, id int64, status tasks.Status, lastErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[int64]tasks.Status{}
	}
	s.statuses[id] = status
	return nil
}

func (s *taskStore) ListRecent(ctx context.Context, limit int) ([]tasks.Record, error) {
	return s.recent, nil
}

type catalog struct {
	resources []booking.Resource
	err       error
}

func (c catalog) Lectures(ctx context.Context, loc *time.Location) ([]booking.Resource, error) {
	return c.resources, c.err
}

func (c catalog) CheckPermission(ctx context.Context, resourceID string) error {
	if resourceID == "L9" {
		return booking.ErrPermissionDenied
	}
	return nil
}

type recorder struct {
	mu       sync.Mutex
	finished []booking.Reason
}

func (r *recorder) Started(string)                       {}
func (r *recorder) Outcome(string, int, booking.Outcome) {}
func (r *recorder) Finished(_ string, res booking.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res.Reason)
}

type fixture struct {
	srv    *Server
	h      http.Handler
	store  *taskStore
	portal *bookingtest.Portal
	hub    *events.Hub
	rec    *recorder
	cookie *http.Cookie
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewFake(now)
	portal := bookingtest.NewPortal()
	authStore := auth.NewStore(users{}, bytes.Repeat([]byte("h"), 32), bytes.Repeat([]byte("b"), 32))
	_, err := authStore.CreateUser(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	f := &fixture{
		store:  &taskStore{},
		portal: portal,
		hub:    events.NewHub(16),
		rec:    &recorder{},
	}
	f.srv = &Server{
		Auth:  authStore,
		Tasks: f.store,
		Recorder: func(int64) controller.Recorder {
			return f.rec
		},
		Controller: controller.New(controller.Options{
			Portal:   portal,
			Solver:   bookingtest.NewSolver(c, "AB12"),
			Clock:    c,
			Location: time.UTC,
		}),
		Catalog: catalog{resources: []booking.Resource{
			{ID: "L1", DisplayName: "Physics", Total: 10, Booked: 3, StartTime: now.Add(time.Minute), EndTime: now.Add(time.Hour)},
			{ID: "L2", DisplayName: "Closed", Total: 10, EndTime: now.Add(-time.Minute)},
			{ID: "L9", DisplayName: "Restricted", Total: 10, EndTime: now.Add(time.Hour)},
		}},
		Hub:             f.hub,
		Clock:           c,
		Location:        time.UTC,
		PermissionCheck: true,
	}
	f.h = f.srv.Routes()
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/login", `{"username":"alice","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	for _, c := range rr.Result().Cookies() {
		if c.Name == "lecturegrab_session" {
			f.cookie = c
		}
	}
	require.NotNil(t, f.cookie)
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if f.cookie != nil {
		req.AddCookie(f.cookie)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])
}

func TestAPIRequiresSession(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/api/task", "/api/tasks", "/api/lectures", "/api/events"} {
		rr := f.do(t, http.MethodGet, p, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, p)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/login", `{"username":"alice","password":"nope-nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
}

func TestLectures(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	rr := f.do(t, http.MethodGet, "/api/lectures", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out []resourceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, "Physics", out[0].Name)
	assert.Equal(t, 7, out[0].Remaining)
}

func TestLecturesPortalError(t *testing.T) {
	f := newFixture(t)
	f.srv.Catalog = catalog{err: booking.ErrSessionExpired}
	f.h = f.srv.Routes()
	f.login(t)
	rr := f.do(t, http.MethodGet, "/api/lectures", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestScheduleTaskStoresRow(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	rr := f.do(t, http.MethodPost, "/api/task",
		`{"resource_id":"L1","target_time":"2025-03-02 19:00:00","lead_ms":300,"schedule":true}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	require.Len(t, f.store.created, 1)
	got := f.store.created[0]
	assert.Equal(t, tasks.StatusScheduled, got.status)
	assert.Equal(t, time.Date(2025, 3, 2, 19, 0, 0, 0, time.UTC), got.task.TargetTime)
	assert.Equal(t, 300*time.Millisecond, got.task.Lead)
	require.NotNil(t, got.user)
	assert.Equal(t, int64(1), *got.user)
	assert.Nil(t, f.srv.Controller.Active())
}

func TestScheduleTaskValidates(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	rr := f.do(t, http.MethodPost, "/api/task", `{"resource_id":"L1","schedule":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/task", `{"resource_id":"L1","target_time":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.store.created)
}

func TestStartTaskRunsAndReports(t *testing.T) {
	f := newFixture(t)
	f.portal.WithListings(bookingtest.Response{Body: bookingtest.Listing("L1", 10, 3)}).
		WithSubmissions(bookingtest.Response{Body: bookingtest.Reply(true, "OK")})
	f.login(t)

	rr := f.do(t, http.MethodPost, "/api/task", `{"resource_id":"L1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Len(t, f.store.created, 1)
	assert.Equal(t, tasks.StatusRunning, f.store.created[0].status)
	assert.Equal(t, "Physics", f.store.created[0].task.DisplayName)
	assert.Equal(t, now.Add(time.Minute), f.store.created[0].task.TargetTime)

	require.Eventually(t, func() bool { return f.srv.Controller.Last() != nil }, 5*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.srv.Controller.Last().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, booking.ReasonDone, res.Reason)

	rr = f.do(t, http.MethodGet, "/api/task", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, false, body["active"])
	task := body["task"].(map[string]any)
	assert.Equal(t, "L1", task["resource_id"])
	assert.Equal(t, "done", task["result"].(map[string]any)["reason"])

	f.rec.mu.Lock()
	assert.Equal(t, []booking.Reason{booking.ReasonDone}, f.rec.finished)
	f.rec.mu.Unlock()
}

func TestStartTaskPreflightErrors(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{`{"resource_id":"L404"}`, http.StatusBadRequest},
		{`{"resource_id":"L2","target_time":"2025-03-01T20:00:00Z"}`, http.StatusConflict},
		{`{"resource_id":"L9","target_time":"2025-03-01T20:00:00Z"}`, http.StatusForbidden},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			f := newFixture(t)
			f.login(t)
			rr := f.do(t, http.MethodPost, "/api/task", tc.body)
			assert.Equal(t, tc.want, rr.Code, rr.Body.String())
			assert.Empty(t, f.store.created)
			assert.Nil(t, f.srv.Controller.Active())
		})
	}
}

func TestStartTaskWhileBusy(t *testing.T) {
	f := newFixture(t)
	c := f.srv.Clock.(*clock.Fake)
	gate := make(chan struct{})
	c.OnSleep(func(time.Duration) { <-gate })
	defer close(gate)
	f.login(t)

	rr := f.do(t, http.MethodPost, "/api/task", `{"resource_id":"L1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/task", `{"resource_id":"L1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/task", "")
	assert.Equal(t, true, decode(t, rr)["active"])

	rr = f.do(t, http.MethodDelete, "/api/task", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestTasksList(t *testing.T) {
	f := newFixture(t)
	reason := "done"
	f.store.recent = []tasks.Record{{ID: 4, Task: booking.Task{ResourceID: "L1"}, Status: tasks.StatusFinished, Reason: &reason, Attempts: 2}}
	f.login(t)

	rr := f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out []recordView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(4), out[0].ID)
	assert.Equal(t, "finished", out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)
}

func TestEventsRecent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.hub.Publish(events.Event{Time: now, Level: "info", Message: fmt.Sprintf("m%d", i)})
	}
	f.login(t)

	rr := f.do(t, http.MethodGet, "/api/events?n=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out []events.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "m1", out[0].Message)
	assert.Equal(t, "m2", out[1].Message)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(events.Event{Time: now, Level: "info", Message: "backlog"})
	f.login(t)

	ts := httptest.NewServer(f.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?stream=1", nil)
	require.NoError(t, err)
	req.AddCookie(f.cookie)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"message":"backlog"`)

	f.hub.Publish(events.Event{Time: now, Level: "warn", Message: "live"})
	n, err = resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"message":"live"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", booking.ErrInvalidTask)))
	assert.Equal(t, http.StatusConflict, statusFor(booking.ErrTaskAlreadyRunning))
	assert.Equal(t, http.StatusConflict, statusFor(booking.ErrWindowClosed))
	assert.Equal(t, http.StatusForbidden, statusFor(booking.ErrPermissionDenied))
	assert.Equal(t, http.StatusBadGateway, statusFor(booking.ErrSessionExpired))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
