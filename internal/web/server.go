package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/auth"
	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/events"
	"github.com/example/lecturegrab/internal/metrics"
	"github.com/example/lecturegrab/internal/monitor"
	"github.com/example/lecturegrab/internal/tasks"
)

// TaskStore is the task history the API reads and writes.
type TaskStore interface {
	Create(ctx context.Context, userID *int64, t booking.Task, status tasks.Status) (int64, error)
	SetStatus(ctx context.Context, id int64, status tasks.Status, lastErr *string) error
	ListRecent(ctx context.Context, limit int) ([]tasks.Record, error)
}

type Server struct {
	Auth       *auth.Store
	Tasks      TaskStore
	Recorder   func(id int64) controller.Recorder
	Controller *controller.Controller
	Catalog    controller.Catalog
	Monitor    *monitor.Monitor
	Hub        *events.Hub
	Clock      clock.Clock
	Location   *time.Location
	Log        *zap.Logger

	PermissionCheck bool
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	mux.Handle("/api/lectures", s.Auth.RequireAuth(http.HandlerFunc(s.handleLectures)))
	mux.Handle("/api/task", s.Auth.RequireAuth(http.HandlerFunc(s.handleTask)))
	mux.Handle("/api/tasks", s.Auth.RequireAuth(http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/events", s.Auth.RequireAuth(http.HandlerFunc(s.handleEvents)))

	return mux
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.Monitor != nil {
		out["session"] = s.Monitor.Health().String()
		if at := s.Monitor.LastChecked(); !at.IsZero() {
			out["session_checked_at"] = at
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.log().Error("login failed", zap.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

type resourceView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Total       int       `json:"total"`
	Booked      int       `json:"booked"`
	Remaining   int       `json:"remaining"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
	LectureTime string    `json:"lecture_time,omitempty"`
}

func (s *Server) handleLectures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rs, err := s.Catalog.Lectures(r.Context(), s.Location)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make([]resourceView, 0, len(rs))
	for _, res := range rs {
		out = append(out, resourceView{
			ID:          res.ID,
			Name:        res.DisplayName,
			Total:       res.Total,
			Booked:      res.Booked,
			Remaining:   res.Remaining(),
			StartTime:   res.StartTime,
			EndTime:     res.EndTime,
			LectureTime: res.LectureTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getTask(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodDelete:
		s.Controller.Stop()
		writeJSON(w, http.StatusAccepted, map[string]any{"stopping": s.Controller.Active() != nil})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type taskView struct {
	ID          string      `json:"id"`
	ResourceID  string      `json:"resource_id"`
	Name        string      `json:"name"`
	TargetTime  time.Time   `json:"target_time"`
	LeadMS      int64       `json:"lead_ms"`
	Phase       string      `json:"phase"`
	Attempt     int         `json:"attempt"`
	RemainingMS int64       `json:"remaining_ms,omitempty"`
	LastOutcome string      `json:"last_outcome,omitempty"`
	Result      *resultView `json:"result,omitempty"`
}

type resultView struct {
	Reason   string `json:"reason"`
	Outcome  string `json:"outcome,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func viewOf(h *controller.Handle) taskView {
	st := h.State()
	v := taskView{
		ID:          h.ID,
		ResourceID:  h.Task.ResourceID,
		Name:        h.Task.DisplayName,
		TargetTime:  h.Task.TargetTime,
		LeadMS:      h.Task.Lead.Milliseconds(),
		Phase:       st.Phase.String(),
		Attempt:     st.Attempt,
		RemainingMS: st.Remaining.Milliseconds(),
	}
	if st.LastOutcome != nil {
		v.LastOutcome = st.LastOutcome.String()
	}
	if res, ok := h.Result(); ok {
		rv := &resultView{Reason: string(res.Reason), Attempts: res.Attempts}
		if res.Outcome != nil {
			rv.Outcome = res.Outcome.String()
		}
		if res.Err != nil {
			rv.Error = res.Err.Error()
		}
		v.Result = rv
	}
	return v
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	if h := s.Controller.Active(); h != nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "task": viewOf(h)})
		return
	}
	out := map[string]any{"active": false}
	if h := s.Controller.Last(); h != nil {
		out["task"] = viewOf(h)
	}
	writeJSON(w, http.StatusOK, out)
}

type taskRequest struct {
	ResourceID  string `json:"resource_id"`
	DisplayName string `json:"display_name"`
	// TargetTime is RFC 3339 or "2006-01-02 15:04:05" in the portal's zone.
	// Empty means the listed booking start.
	TargetTime string `json:"target_time"`
	LeadMS     int64  `json:"lead_ms"`
	// Schedule stores the task for the scheduler instead of arming it now.
	Schedule bool `json:"schedule"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	task := booking.Task{
		ResourceID:  strings.TrimSpace(req.ResourceID),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Lead:        time.Duration(req.LeadMS) * time.Millisecond,
	}
	if req.TargetTime != "" {
		t, err := booking.ParseTime(req.TargetTime, s.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		task.TargetTime = t
	}

	var userID *int64
	if uid, ok := auth.UserIDFromContext(r.Context()); ok {
		userID = &uid
	}

	if req.Schedule {
		if err := task.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := s.Tasks.Create(r.Context(), userID, task, tasks.StatusScheduled)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task_row": id, "status": tasks.StatusScheduled})
		return
	}

	if s.Controller.Active() != nil {
		writeError(w, http.StatusConflict, booking.ErrTaskAlreadyRunning.Error())
		return
	}
	task, _, err := controller.Preflight(r.Context(), s.Catalog, task, s.Location, s.Clock.Now(), s.PermissionCheck)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	var opts []controller.StartOption
	var row int64
	if s.Tasks != nil {
		row, err = s.Tasks.Create(r.Context(), userID, task, tasks.StatusRunning)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if s.Recorder != nil {
			opts = append(opts, controller.WithRecorder(s.Recorder(row)))
		}
	}
	h, err := s.Controller.Start(r.Context(), task, opts...)
	if err != nil {
		if row != 0 {
			msg := err.Error()
			status := tasks.StatusFailed
			if errors.Is(err, booking.ErrTaskAlreadyRunning) {
				status = tasks.StatusRejected
			}
			_ = s.Tasks.SetStatus(r.Context(), row, status, &msg)
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_row": row, "task": viewOf(h)})
}

type recordView struct {
	ID          int64      `json:"id"`
	ResourceID  string     `json:"resource_id"`
	Name        string     `json:"name"`
	TargetTime  time.Time  `json:"target_time"`
	Status      string     `json:"status"`
	Reason      *string    `json:"reason,omitempty"`
	Attempts    int        `json:"attempts"`
	LastOutcome *string    `json:"last_outcome,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	recs, err := s.Tasks.ListRecent(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView{
			ID:          rec.ID,
			ResourceID:  rec.Task.ResourceID,
			Name:        rec.Task.DisplayName,
			TargetTime:  rec.Task.TargetTime,
			Status:      string(rec.Status),
			Reason:      rec.Reason,
			Attempts:    rec.Attempts,
			LastOutcome: rec.LastOutcome,
			LastError:   rec.LastError,
			FinishedAt:  rec.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrTaskAlreadyRunning), errors.Is(err, booking.ErrWindowClosed):
		return http.StatusConflict
	case errors.Is(err, booking.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrSessionExpired), errors.Is(err, booking.ErrMalformedListing):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
