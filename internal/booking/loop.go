package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/lecturegrab/internal/clock"
)

// Portal is the subset of the lecture portal the loop talks to. Both calls
// return the raw body so classification stays in this package.
type Portal interface {
	QueryListing(ctx context.Context) ([]byte, error)
	Submit(ctx context.Context, resourceID, code string) ([]byte, error)
}

// Solver produces captcha tokens.
type Solver interface {
	Solve(ctx context.Context) (Token, error)
}

// Observer receives loop events. Implementations must not block.
type Observer interface {
	OnFire(late time.Duration)
	OnSolve(err error)
	OnOutcome(attempt int, o Outcome)
}

// Timing holds the loop's pauses and thresholds.
type Timing struct {
	SpinThreshold  time.Duration
	CountdownSlice time.Duration
	CapacityPause  time.Duration
	RateLimitPause time.Duration
	StandardPause  time.Duration
	ErrorPause     time.Duration
	SolveSpacing   time.Duration
	RefreshEvery   int
	// SolveFailureLimit is how many consecutive solver exhaustions end the
	// task; fewer are retried like any transient error.
	SolveFailureLimit int
	// MaxAttempts stops the loop after that many attempts; 0 means no limit.
	MaxAttempts int
}

func DefaultTiming() Timing {
	return Timing{
		SpinThreshold:  50 * time.Millisecond,
		CountdownSlice: 100 * time.Millisecond,
		CapacityPause:  2 * time.Second,
		RateLimitPause: 5 * time.Second,
		StandardPause:  300 * time.Millisecond,
		ErrorPause:     time.Second,
		SolveSpacing:   1500 * time.Millisecond,
		RefreshEvery:   3,

		SolveFailureLimit: 3,
	}
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Portal   Portal
	Solver   Solver
	Clock    clock.Clock
	Log      *zap.Logger
	Location *time.Location
	Observer Observer
	Timing   Timing
}

// Loop drives one task from its countdown to a terminal reason. Attempts are
// strictly sequential.
type Loop struct {
	task Task
	deps Deps

	solveLimiter *rate.Limiter

	mu    sync.Mutex
	state State
}

func NewLoop(task Task, deps Deps) *Loop {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Timing == (Timing{}) {
		deps.Timing = DefaultTiming()
	}
	if deps.Timing.RefreshEvery <= 0 {
		deps.Timing.RefreshEvery = 3
	}
	if deps.Timing.SolveFailureLimit <= 0 {
		deps.Timing.SolveFailureLimit = 3
	}
	return &Loop{
		task:         task,
		deps:         deps,
		solveLimiter: rate.NewLimiter(rate.Every(deps.Timing.SolveSpacing), 1),
		state:        State{Phase: Idle, TargetTime: task.TargetTime},
	}
}

// Arm leaves Idle: Waiting when the fire instant is still ahead, else straight
// to Attempting.
func (l *Loop) Arm() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Phase != Idle {
		return l.state.Phase
	}
	remaining := l.task.FireAt().Sub(l.deps.Clock.Now())
	if remaining > l.deps.Timing.SpinThreshold {
		l.state.Phase = Waiting
		l.state.Remaining = remaining
	} else {
		l.state.Phase = Attempting
		l.state.Attempt = 1
	}
	return l.state.Phase
}

// State returns a snapshot of the loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	if s.Token != nil {
		t := *s.Token
		s.Token = &t
	}
	if s.LastOutcome != nil {
		o := *s.LastOutcome
		s.LastOutcome = &o
	}
	return s
}

// Run blocks until the task terminates. Cancelling ctx is cooperative: it is
// observed at the top of each attempt and during every wait, while a network
// call already in flight runs to completion.
func (l *Loop) Run(ctx context.Context) Result {
	log := l.deps.Log.With(zap.String("resource_id", l.task.ResourceID), zap.String("name", l.task.DisplayName))

	if l.Arm() == Waiting {
		log.Info("countdown started", zap.Time("fire_at", l.task.FireAt()))
		if !l.countdown(ctx, log) {
			return l.finish(log, ReasonCancelled, 0, nil, nil)
		}
		l.setPhase(Attempting)
	}
	late := l.deps.Clock.Now().Sub(l.task.FireAt())
	l.deps.Observer.OnFire(late)
	log.Info("countdown finished, attempting", zap.Duration("late", late))

	return l.attempts(ctx, log)
}

func (l *Loop) countdown(ctx context.Context, log *zap.Logger) bool {
	t := l.deps.Timing
	fire := l.task.FireAt()
	lastSecs := int64(-1)
	for {
		if ctx.Err() != nil {
			return false
		}
		remaining := fire.Sub(l.deps.Clock.Now())
		if remaining <= 0 {
			return true
		}
		l.setRemaining(remaining)

		switch {
		case remaining > time.Second:
			if secs := int64(remaining / time.Second); secs != lastSecs {
				lastSecs = secs
				if secs <= 10 || secs%60 == 0 {
					log.Info("countdown", zap.Int64("remaining_s", secs))
				} else {
					log.Debug("countdown", zap.Int64("remaining_s", secs))
				}
			}
			_ = l.deps.Clock.Sleep(ctx, t.CountdownSlice)
		case remaining > t.SpinThreshold:
			_ = l.deps.Clock.Sleep(ctx, remaining/10)
		default:
			l.deps.Clock.SpinUntil(ctx, fire, t.SpinThreshold)
			return ctx.Err() == nil
		}
	}
}

func (l *Loop) attempts(ctx context.Context, log *zap.Logger) Result {
	t := l.deps.Timing
	// Network calls are not cancelled by stop; they carry their own timeouts.
	netCtx := context.WithoutCancel(ctx)

	var token *Token
	rejected := make(map[string]struct{})
	solveFailures := 0

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return l.finish(log, ReasonCancelled, attempt-1, nil, nil)
		}
		if t.MaxAttempts > 0 && attempt > t.MaxAttempts {
			return l.finish(log, ReasonExhausted, attempt-1, nil, nil)
		}
		l.setAttempt(attempt, token)
		alog := log.With(zap.Int("attempt", attempt))
		alog.Debug("attempt started")

		raw, err := l.deps.Portal.QueryListing(netCtx)
		if err != nil {
			l.transient(ctx, alog, "listing query failed", err)
			continue
		}
		resources, err := DecodeListing(raw, l.deps.Location)
		if err != nil {
			if o, terminal := ClassifyListingError(err); terminal {
				l.observe(attempt, o)
				return l.finish(alog, ReasonSessionLost, attempt, &o, nil)
			}
			l.transient(ctx, alog, "listing unreadable", err)
			continue
		}
		avail, res, ok := CheckAvailability(resources, l.task.ResourceID)
		if !ok {
			l.observe(attempt, avail)
			if avail.Kind == ResourceUnavailable {
				return l.finish(alog, ReasonResourceGone, attempt, &avail, nil)
			}
			alog.Warn("capacity full, waiting for a seat", zap.Int("total", res.Total), zap.Int("booked", res.Booked))
			_ = l.deps.Clock.Sleep(ctx, t.CapacityPause)
			continue
		}
		alog.Info("seats available", zap.Int("total", res.Total), zap.Int("booked", res.Booked), zap.Int("remaining", res.Remaining()))

		if token == nil || attempt%t.RefreshEvery == 0 {
			fresh, err := l.solve(ctx, netCtx)
			if err != nil {
				if errors.Is(err, ErrCaptchaAcquisitionFailed) {
					solveFailures++
					if solveFailures >= t.SolveFailureLimit {
						return l.finish(alog, ReasonCaptchaFailed, attempt, nil, err)
					}
					l.transient(ctx, alog.With(zap.Int("solve_failures", solveFailures)), "captcha solver exhausted", err)
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				l.transient(ctx, alog, "captcha solve failed", err)
				continue
			}
			solveFailures = 0
			if _, seen := rejected[fresh.Code]; seen {
				token = nil
				l.transient(ctx, alog, "captcha discarded", errRejectedCodeRepeated)
				continue
			}
			token = &fresh
			l.setAttempt(attempt, token)
			alog.Info("captcha solved", zap.String("code", fresh.Code))
		}

		alog.Info("submitting", zap.String("code", token.Code))
		raw, err = l.deps.Portal.Submit(netCtx, l.task.ResourceID, token.Code)
		if err != nil {
			l.transient(ctx, alog, "submission failed", err)
			continue
		}
		o := Classify(raw)
		l.observe(attempt, o)

		switch o.Kind {
		case Success, AlreadyBooked:
			return l.finish(alog, ReasonDone, attempt, &o, nil)
		case SessionExpired:
			return l.finish(alog, ReasonSessionLost, attempt, &o, nil)
		case CaptchaInvalid:
			rejected[token.Code] = struct{}{}
			token = nil
			alog.Warn("captcha rejected, will solve a fresh one", zap.String("msg", o.Message))
		case RateLimited:
			alog.Warn("rate limited, backing off", zap.Duration("pause", t.RateLimitPause), zap.String("msg", o.Message))
			_ = l.deps.Clock.Sleep(ctx, t.RateLimitPause)
		default:
			alog.Warn("attempt failed", zap.Stringer("outcome", o))
		}
		_ = l.deps.Clock.Sleep(ctx, t.StandardPause)
	}
}

// solve enforces the minimum spacing between solver calls before asking for a
// new token.
func (l *Loop) solve(ctx, netCtx context.Context) (Token, error) {
	now := l.deps.Clock.Now()
	r := l.solveLimiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		// the limiter works in float tokens; round up so spacing never undershoots
		delay = (delay + time.Millisecond - 1).Truncate(time.Millisecond)
		if err := l.deps.Clock.Sleep(ctx, delay); err != nil {
			r.CancelAt(l.deps.Clock.Now())
			return Token{}, err
		}
	}
	tok, err := l.deps.Solver.Solve(netCtx)
	l.deps.Observer.OnSolve(err)
	return tok, err
}

func (l *Loop) transient(ctx context.Context, log *zap.Logger, what string, err error) {
	log.Warn(what+", retrying", zap.Error(err))
	_ = l.deps.Clock.Sleep(ctx, l.deps.Timing.ErrorPause)
}

func (l *Loop) observe(attempt int, o Outcome) {
	l.mu.Lock()
	l.state.LastOutcome = &o
	l.mu.Unlock()
	l.deps.Observer.OnOutcome(attempt, o)
}

func (l *Loop) finish(log *zap.Logger, reason Reason, attempts int, o *Outcome, err error) Result {
	l.mu.Lock()
	l.state.Phase = Terminated
	l.state.Reason = reason
	l.state.Remaining = 0
	l.mu.Unlock()

	fields := []zap.Field{zap.String("reason", string(reason)), zap.Int("attempts", attempts)}
	if o != nil {
		fields = append(fields, zap.Stringer("outcome", *o))
	}
	switch {
	case err != nil:
		log.Error("task failed", append(fields, zap.Error(err))...)
	case reason == ReasonDone:
		log.Info("task finished", fields...)
	default:
		log.Warn("task ended", fields...)
	}
	return Result{Reason: reason, Outcome: o, Attempts: attempts, Err: err}
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.state.Phase = p
	l.state.Remaining = 0
	l.mu.Unlock()
}

func (l *Loop) setRemaining(d time.Duration) {
	l.mu.Lock()
	l.state.Remaining = d
	l.mu.Unlock()
}

func (l *Loop) setAttempt(n int, tok *Token) {
	l.mu.Lock()
	l.state.Attempt = n
	if tok != nil {
		t := *tok
		l.state.Token = &t
	} else {
		l.state.Token = nil
	}
	l.mu.Unlock()
}

type nopObserver struct{}

func (nopObserver) OnFire(time.Duration)   {}
func (nopObserver) OnSolve(error)          {}
func (nopObserver) OnOutcome(int, Outcome) {}
