package tasks

import (
	"context"
	"time"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/db"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusRejected marks a scheduled task that could not start because
	// another task held the single-flight slot.
	StatusRejected Status = "rejected"
)

// Record is one row of the tasks table.
type Record struct {
	ID       int64
	UserID   *int64
	HandleID *string
	Task     booking.Task

	Status      Status
	Reason      *string
	Attempts    int
	LastOutcome *string
	LastError   *string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusFor maps a loop result onto the stored status.
func StatusFor(r booking.Result) Status {
	switch {
	case r.Err != nil:
		return StatusFailed
	case r.Reason == booking.ReasonCancelled:
		return StatusCancelled
	default:
		return StatusFinished
	}
}

type Repo struct{ db db.Querier }

func NewRepo(d db.Querier) *Repo { return &Repo{db: d} }

const selectCols = `id,user_id,handle_id,resource_id,display_name,target_time,lead_ms,status,reason,attempts,last_outcome,last_error,started_at,finished_at,created_at,updated_at`

func (r *Repo) Create(ctx context.Context, userID *int64, t booking.Task, status Status) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO tasks(user_id,resource_id,display_name,target_time,lead_ms,status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`,
		userID, t.ResourceID, t.DisplayName, t.TargetTime.UTC(), t.Lead.Milliseconds(), string(status),
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) MarkRunning(ctx context.Context, id int64, handleID string) error {
	return r.db.Exec(ctx, `UPDATE tasks SET status='running', handle_id=$2, started_at=now(), updated_at=now() WHERE id=$1`, id, handleID)
}

func (r *Repo) RecordAttempt(ctx context.Context, id int64, attempt int, o booking.Outcome) error {
	if err := r.db.Exec(ctx, `INSERT INTO task_attempts(task_id, attempt, outcome, message) VALUES ($1,$2,$3,$4)`,
		id, attempt, o.Kind.String(), o.Message); err != nil {
		return err
	}
	return r.db.Exec(ctx, `UPDATE tasks SET attempts=GREATEST(attempts,$2), last_outcome=$3, updated_at=now() WHERE id=$1`, id, attempt, o.String())
}

func (r *Repo) Finish(ctx context.Context, id int64, res booking.Result) error {
	var lastErr *string
	if res.Err != nil {
		msg := res.Err.Error()
		lastErr = &msg
	}
	var lastOutcome *string
	if res.Outcome != nil {
		s := res.Outcome.String()
		lastOutcome = &s
	}
	return r.db.Exec(ctx, `
UPDATE tasks
SET status=$2, reason=$3, attempts=$4, last_outcome=COALESCE($5,last_outcome), last_error=$6, finished_at=now(), updated_at=now()
WHERE id=$1`, id, string(StatusFor(res)), string(res.Reason), res.Attempts, lastOutcome, lastErr)
}

// SetStatus is used for transitions that never ran a loop, such as a
// rejected or cancelled scheduled task.
func (r *Repo) SetStatus(ctx context.Context, id int64, status Status, lastErr *string) error {
	return r.db.Exec(ctx, `UPDATE tasks SET status=$2, last_error=$3, updated_at=now() WHERE id=$1`, id, string(status), lastErr)
}

func (r *Repo) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+selectCols+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return Record{}, db.WrapNotFound(err)
	}
	return rec, nil
}

func (r *Repo) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	return r.list(ctx, `SELECT `+selectCols+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
}

// DueScheduled returns scheduled tasks whose fire instant is at or before
// horizon, earliest first.
func (r *Repo) DueScheduled(ctx context.Context, horizon time.Time, limit int) ([]Record, error) {
	return r.list(ctx, `
SELECT `+selectCols+`
FROM tasks
WHERE status='scheduled'
  AND target_time - make_interval(secs => lead_ms / 1000.0) <= $1
ORDER BY target_time ASC
LIMIT $2`, horizon.UTC(), limit)
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row db.Row) (Record, error) {
	var rec Record
	var status string
	var leadMS int64
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.HandleID, &rec.Task.ResourceID, &rec.Task.DisplayName, &rec.Task.TargetTime, &leadMS,
		&status, &rec.Reason, &rec.Attempts, &rec.LastOutcome, &rec.LastError, &rec.StartedAt, &rec.FinishedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.Task.Lead = time.Duration(leadMS) * time.Millisecond
	return rec, nil
}
