package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/captcha"
	"github.com/example/lecturegrab/internal/clock"
	"github.com/example/lecturegrab/internal/config"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/credentials"
	"github.com/example/lecturegrab/internal/db"
	"github.com/example/lecturegrab/internal/events"
	"github.com/example/lecturegrab/internal/logging"
	"github.com/example/lecturegrab/internal/portal"
)

// env is what every command starts from.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func setup(hub *events.Hub) (*env, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel, hub)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) openDB(ctx context.Context) (*db.DB, error) {
	d, err := db.Open(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return d, nil
}

func (e *env) credentialStore(d db.Querier) (*credentials.Store, error) {
	if err := e.cfg.ValidateCredentials(); err != nil {
		return nil, err
	}
	sealer, err := credentials.NewSealer(e.cfg.CredentialKey)
	if err != nil {
		return nil, err
	}
	return credentials.NewStore(d, sealer), nil
}

// portalCookie prefers PORTAL_COOKIE and otherwise falls back to the most
// recently stored credential. d may be nil, in which case a connection is
// opened only when needed.
func (e *env) portalCookie(ctx context.Context, d db.Querier) (string, error) {
	if e.cfg.PortalCookie != "" {
		return e.cfg.PortalCookie, nil
	}
	if e.cfg.ValidateCredentials() != nil {
		return "", errors.New("no portal cookie: set PORTAL_COOKIE or store one with `lecturegrab cookie set`")
	}
	if d == nil {
		conn, err := e.openDB(ctx)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		d = conn
	}
	store, err := e.credentialStore(d)
	if err != nil {
		return "", err
	}
	cookie, err := store.Latest(ctx)
	if errors.Is(err, credentials.ErrNoCredential) {
		return "", errors.New("no portal cookie: set PORTAL_COOKIE or store one with `lecturegrab cookie set`")
	}
	return cookie, err
}

func (e *env) portal(cookie string) (*portal.Client, error) {
	return portal.New(portal.Options{
		BaseURL: e.cfg.PortalBaseURL,
		Cookie:  cookie,
		Timeout: e.cfg.RequestTimeout,
	})
}

// clock returns the time source for firing. TIME_OFFSET wins; with TIME_SYNC
// the offset is measured from the portal's Date header; otherwise the local
// clock is used.
func (e *env) clock(ctx context.Context, p *portal.Client) *clock.Real {
	offset := e.cfg.TimeOffset
	if offset == nil && e.cfg.TimeSync {
		off, err := p.ServerOffset(ctx)
		if err != nil {
			e.log.Warn("server time sync failed", zap.Error(err))
		} else {
			offset = &off
		}
	}
	return clock.New(e.log, offset)
}

func (e *env) solver(p *portal.Client, clk clock.Clock) *captcha.Solver {
	return captcha.New(p, captcha.Options{
		Endpoint:   e.cfg.OCREndpoint,
		Timeout:    e.cfg.OCRTimeout,
		MaxRetries: e.cfg.CaptchaMaxRetries,
		Clock:      clk,
		Log:        e.log.Named("captcha"),
	})
}

func (e *env) controllerOptions(p *portal.Client, clk clock.Clock) controller.Options {
	timing := booking.DefaultTiming()
	timing.MaxAttempts = e.cfg.MaxAttempts
	return controller.Options{
		Portal:   p,
		Solver:   e.solver(p, clk),
		Clock:    clk,
		Log:      e.log.Named("booking"),
		Location: e.cfg.Location(),
		Timing:   timing,
		LeaseTTL: e.cfg.LeaseTTL,
	}
}
