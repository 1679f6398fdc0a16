package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
)

// Tracker persists the progress of one running task. Writes run on their own
// goroutine so the booking loop never waits on the database; if the queue
// backs up, attempt rows are dropped but the final status never is.
type Tracker struct {
	repo *Repo
	id   int64
	log  *zap.Logger

	queue chan func(context.Context) error
	done  chan struct{}
	once  sync.Once
}

const trackerQueue = 64

func (r *Repo) Track(id int64, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		repo:  r,
		id:    id,
		log:   log.With(zap.Int64("task_row", id)),
		queue: make(chan func(context.Context) error, trackerQueue),
		done:  make(chan struct{}),
	}
	return t
}

// start launches the writer on first use, so a tracker for a task that never
// started holds no goroutine.
func (t *Tracker) start() {
	t.once.Do(func() { go t.run() })
}

func (t *Tracker) run() {
	defer close(t.done)
	for write := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := write(ctx); err != nil {
			t.log.Warn("task history write failed", zap.Error(err))
		}
		cancel()
	}
}

func (t *Tracker) Started(handleID string) {
	t.enqueue(func(ctx context.Context) error { return t.repo.MarkRunning(ctx, t.id, handleID) })
}

func (t *Tracker) Outcome(handleID string, attempt int, o booking.Outcome) {
	t.enqueue(func(ctx context.Context) error { return t.repo.RecordAttempt(ctx, t.id, attempt, o) })
}

// Finished queues the final write and waits for the queue to drain.
func (t *Tracker) Finished(handleID string, res booking.Result) {
	t.start()
	t.queue <- func(ctx context.Context) error { return t.repo.Finish(ctx, t.id, res) }
	close(t.queue)
	<-t.done
}

func (t *Tracker) enqueue(write func(context.Context) error) {
	t.start()
	select {
	case t.queue <- write:
	default:
		t.log.Warn("task history queue full, dropping write")
	}
}
