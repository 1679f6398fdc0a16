// Package booking holds the lecture-slot booking engine: the task model, the
// response classifier and the attempt loop that fires at the opening instant.
package booking

import (
	"fmt"
	"strings"
	"time"
)

// Task identifies one slot to acquire. It is immutable once started.
type Task struct {
	ResourceID  string
	DisplayName string
	TargetTime  time.Time
	// Lead fires the loop this long before TargetTime.
	Lead time.Duration
}

// FireAt is the instant the first attempt should be sent.
func (t Task) FireAt() time.Time {
	return t.TargetTime.Add(-t.Lead)
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ResourceID) == "" {
		return fmt.Errorf("%w: resource id required", ErrInvalidTask)
	}
	if t.TargetTime.IsZero() {
		return fmt.Errorf("%w: target time required", ErrInvalidTask)
	}
	if t.Lead < 0 {
		return fmt.Errorf("%w: lead must be >= 0", ErrInvalidTask)
	}
	return nil
}

// Token is a decoded captcha solution.
type Token struct {
	Code       string
	AcquiredAt time.Time
	// ImageRef identifies the challenge image the code was read from.
	ImageRef string
}

// OutcomeKind is the closed set of results an attempt can have.
type OutcomeKind int

const (
	Success OutcomeKind = iota + 1
	CaptchaInvalid
	RateLimited
	AlreadyBooked
	CapacityFull
	SessionExpired
	ResourceUnavailable
	UnknownFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case CaptchaInvalid:
		return "captcha_invalid"
	case RateLimited:
		return "rate_limited"
	case AlreadyBooked:
		return "already_booked"
	case CapacityFull:
		return "capacity_full"
	case SessionExpired:
		return "session_expired"
	case ResourceUnavailable:
		return "resource_unavailable"
	case UnknownFailure:
		return "unknown_failure"
	default:
		return "invalid"
	}
}

// Outcome is produced by the classifier functions in this package only.
type Outcome struct {
	Kind OutcomeKind
	// Message is the server's human-readable text, if any.
	Message string
}

func (o Outcome) String() string {
	if o.Message == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Message)
}

// Phase is the coarse loop state.
type Phase int

const (
	Idle Phase = iota
	Waiting
	Attempting
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Attempting:
		return "attempting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason explains why a loop terminated.
type Reason string

const (
	ReasonDone          Reason = "done"
	ReasonResourceGone  Reason = "resource_gone"
	ReasonSessionLost   Reason = "session_lost"
	ReasonCancelled     Reason = "cancelled"
	ReasonCaptchaFailed Reason = "captcha_failed"
	ReasonExhausted     Reason = "exhausted"
)

// State is a snapshot of one loop.
type State struct {
	Phase      Phase
	TargetTime time.Time
	Attempt    int
	Token      *Token
	Reason     Reason
	// Remaining is the countdown left while Waiting.
	Remaining time.Duration
	// LastOutcome is the most recent classification, if any.
	LastOutcome *Outcome
}

// Result is what a terminated loop reports.
type Result struct {
	Reason   Reason
	Outcome  *Outcome
	Attempts int
	// Err is set only for unexpected terminations.
	Err error
}

// Resource is one row of the lecture listing.
type Resource struct {
	ID          string
	DisplayName string
	Total       int
	Booked      int
	StartTime   time.Time
	EndTime     time.Time
	LectureTime string
}

func (r Resource) Remaining() int { return r.Total - r.Booked }

// Health is the session monitor's view of the portal session.
type Health int

const (
	Healthy Health = iota
	SuspectedExpired
)

func (h Health) String() string {
	if h == SuspectedExpired {
		return "suspected_expired"
	}
	return "healthy"
}
