// Package bookingtest provides scripted collaborators for exercising the
// booking loop without a portal or an OCR service.
package bookingtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
)

// Listing renders a portal listing body with a single row.
func Listing(id string, total, booked int) []byte {
	b, _ := json.Marshal(map[string]any{
		"datas": []map[string]any{{
			"WID":    id,
			"JZMC":   "Lecture " + id,
			"HDZRS":  fmt.Sprint(total),
			"YYRS":   booked,
			"YYKSSJ": "2025-03-01 12:00:00",
			"YYJSSJ": "2025-03-02 12:00:00",
		}},
	})
	return b
}

// Reply renders a submission response body.
func Reply(success bool, msg string) []byte {
	b, _ := json.Marshal(map[string]any{"success": success, "code": 0, "msg": msg})
	return b
}

// LoginPage is what the portal serves once the session is gone.
var LoginPage = []byte("<!DOCTYPE html><html><head><title>统一身份认证</title></head><body>login</body></html>")

// Response is one scripted reply: a body or a transport error.
type Response struct {
	Body []byte
	Err  error
}

// Portal replays scripted listing and submission responses. When a script
// runs out, its last entry repeats.
type Portal struct {
	mu          sync.Mutex
	listings    []Response
	submissions []Response

	ListingCalls int
	SubmitCodes  []string
	// OnSubmit, when set, runs before each submission reply is returned.
	OnSubmit func(code string)
}

func NewPortal() *Portal { return &Portal{} }

func (p *Portal) WithListings(rs ...Response) *Portal {
	p.listings = append(p.listings, rs...)
	return p
}

func (p *Portal) WithSubmissions(rs ...Response) *Portal {
	p.submissions = append(p.submissions, rs...)
	return p
}

func (p *Portal) QueryListing(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := next(&p.listings, p.ListingCalls)
	p.ListingCalls++
	return r.Body, r.Err
}

func (p *Portal) Submit(ctx context.Context, resourceID, code string) ([]byte, error) {
	p.mu.Lock()
	r := next(&p.submissions, len(p.SubmitCodes))
	p.SubmitCodes = append(p.SubmitCodes, code)
	hook := p.OnSubmit
	p.mu.Unlock()
	if hook != nil {
		hook(code)
	}
	return r.Body, r.Err
}

func (p *Portal) Calls() (listings int, submits []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListingCalls, append([]string(nil), p.SubmitCodes...)
}

func next(script *[]Response, i int) Response {
	s := *script
	if len(s) == 0 {
		return Response{Err: errors.New("bookingtest: no scripted response")}
	}
	if i < len(s) {
		return s[i]
	}
	return s[len(s)-1]
}

// Solver hands out scripted codes, one per call. An empty code entry is
// returned as ErrCaptchaAcquisitionFailed.
type Solver struct {
	mu    sync.Mutex
	codes []string
	clock clock.Clock

	CalledAt []time.Time
}

func NewSolver(c clock.Clock, codes ...string) *Solver {
	return &Solver{codes: codes, clock: c}
}

func (s *Solver) Solve(ctx context.Context) (booking.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	i := len(s.CalledAt)
	s.CalledAt = append(s.CalledAt, now)
	code := s.codes[len(s.codes)-1]
	if i < len(s.codes) {
		code = s.codes[i]
	}
	if code == "" {
		return booking.Token{}, fmt.Errorf("%w: scripted", booking.ErrCaptchaAcquisitionFailed)
	}
	return booking.Token{Code: code, AcquiredAt: now, ImageRef: fmt.Sprintf("img-%d", i)}, nil
}

func (s *Solver) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CalledAt)
}

// Recorder is an Observer that keeps every event.
type Recorder struct {
	mu       sync.Mutex
	Fired    []time.Duration
	Solves   []error
	Outcomes []booking.Outcome
}

func (r *Recorder) OnFire(late time.Duration) {
	r.mu.Lock()
	r.Fired = append(r.Fired, late)
	r.mu.Unlock()
}

func (r *Recorder) OnSolve(err error) {
	r.mu.Lock()
	r.Solves = append(r.Solves, err)
	r.mu.Unlock()
}

func (r *Recorder) OnOutcome(attempt int, o booking.Outcome) {
	r.mu.Lock()
	r.Outcomes = append(r.Outcomes, o)
	r.mu.Unlock()
}

func (r *Recorder) Kinds() []booking.OutcomeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]booking.OutcomeKind, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, o.Kind)
	}
	return out
}
