// Package captcha turns portal captcha images into codes by way of an external
// recognition service.
package captcha

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
)

const DefaultEndpoint = "http://127.0.0.1:5000/predict_base64"

// ImageSource fetches one captcha challenge as base64, optionally wrapped in a
// data URL.
type ImageSource interface {
	FetchCaptcha(ctx context.Context) (string, error)
}

type Options struct {
	Endpoint string
	// Timeout bounds each recognition request. Defaults to 10s.
	Timeout time.Duration
	// MaxRetries is the number of fetch+recognize rounds per Solve. Defaults to 3.
	MaxRetries int
	// Backoff is multiplied by the attempt number between rounds. Defaults to 1s.
	Backoff    time.Duration
	Clock      clock.Clock
	Log        *zap.Logger
	HTTPClient *http.Client
}

// Solver implements booking.Solver.
type Solver struct {
	images ImageSource
	opts   Options
}

func New(images ImageSource, opts Options) *Solver {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New(zap.NewNop(), nil)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Solver{images: images, opts: opts}
}

// Solve fetches and recognizes captchas until one yields a non-empty code or
// the retries run out. On exhaustion the returned error wraps
// booking.ErrCaptchaAcquisitionFailed together with every round's error.
func (s *Solver) Solve(ctx context.Context) (booking.Token, error) {
	var errs []error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		tok, err := s.once(ctx)
		if err == nil {
			return tok, nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		s.opts.Log.Warn("captcha attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == s.opts.MaxRetries {
			break
		}
		if err := s.opts.Clock.Sleep(ctx, time.Duration(attempt)*s.opts.Backoff); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return booking.Token{}, fmt.Errorf("%w: %w", booking.ErrCaptchaAcquisitionFailed, errors.Join(errs...))
}

func (s *Solver) once(ctx context.Context) (booking.Token, error) {
	img, err := s.images.FetchCaptcha(ctx)
	if err != nil {
		return booking.Token{}, fmt.Errorf("fetch image: %w", err)
	}
	payload := StripDataURL(img)
	code, err := s.recognize(ctx, payload)
	if err != nil {
		return booking.Token{}, err
	}
	return booking.Token{
		Code:       code,
		AcquiredAt: s.opts.Clock.Now(),
		ImageRef:   imageRef(payload),
	}, nil
}

type recognizeResponse struct {
	Result string `json:"result"`
	Text   string `json:"text"`
}

func (s *Solver) recognize(ctx context.Context, b64 string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"img_b64": b64})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	defer res.Body.Close()
	rb, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recognize: status %d", res.StatusCode)
	}
	var rr recognizeResponse
	if err := json.Unmarshal(rb, &rr); err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	code := strings.TrimSpace(rr.Result)
	if code == "" {
		code = strings.TrimSpace(rr.Text)
	}
	if code == "" {
		return "", errors.New("recognize: empty result")
	}
	return code, nil
}

// StripDataURL drops a "data:<mime>;base64," prefix if present.
func StripDataURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

func imageRef(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}
