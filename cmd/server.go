package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/auth"
	"github.com/example/lecturegrab/internal/controller"
	"github.com/example/lecturegrab/internal/events"
	"github.com/example/lecturegrab/internal/lease"
	"github.com/example/lecturegrab/internal/migrate"
	"github.com/example/lecturegrab/internal/monitor"
	"github.com/example/lecturegrab/internal/scheduler"
	"github.com/example/lecturegrab/internal/tasks"
	"github.com/example/lecturegrab/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API, the task scheduler and the session monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			hub := events.NewHub(events.DefaultCapacity)
			e, err := setup(hub)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()
			if err := e.cfg.ValidateServer(); err != nil {
				return err
			}
			log := e.log

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if migrateUp {
				if err := migrate.Up(ctx, d, log); err != nil {
					return err
				}
			}

			cookie, err := e.portalCookie(ctx, d)
			if err != nil {
				log.Warn("starting without a portal session; booking will fail until one is configured", zap.Error(err))
			}
			p, err := e.portal(cookie)
			if err != nil {
				return err
			}
			clk := e.clock(ctx, p)

			opts := e.controllerOptions(p, clk)
			if e.cfg.RedisAddr != "" {
				r, err := lease.NewRedis(ctx, lease.RedisOptions{
					Addr:     e.cfg.RedisAddr,
					Password: e.cfg.RedisPassword,
					DB:       e.cfg.RedisDB,
				})
				if err != nil {
					return err
				}
				defer func() { _ = r.Close() }()
				opts.Lease = r
				log.Info("single-flight lease shared via redis", zap.String("addr", e.cfg.RedisAddr))
			} else {
				opts.Lease = lease.NewMemory()
			}
			ctl := controller.New(opts)

			mon := monitor.New(p, monitor.Options{
				Interval: e.cfg.ProbeInterval,
				Busy:     ctl.Busy,
				Log:      log.Named("monitor"),
			})
			go func() { _ = mon.Run(ctx) }()

			repo := tasks.NewRepo(d)
			recorder := func(id int64) controller.Recorder { return repo.Track(id, log) }

			s := &scheduler.Scheduler{
				Store:           repo,
				Starter:         ctl,
				Interval:        e.cfg.PollInterval,
				Recorder:        recorder,
				Catalog:         p,
				Location:        e.cfg.Location(),
				PermissionCheck: e.cfg.PermissionCheck,
				Now:             clk.Now,
				Log:             log.Named("scheduler"),
			}
			go func() { _ = s.Run(ctx) }()

			ws := &web.Server{
				Auth:            auth.NewStore(d, e.cfg.CookieHashKey, e.cfg.CookieBlockKey),
				Tasks:           repo,
				Recorder:        recorder,
				Controller:      ctl,
				Catalog:         p,
				Monitor:         mon,
				Hub:             hub,
				Clock:           clk,
				Location:        e.cfg.Location(),
				PermissionCheck: e.cfg.PermissionCheck,
				Log:             log.Named("web"),
			}
			err = web.Start(ctx, e.cfg.ListenAddr, ws.Routes(), log)

			if h := ctl.Active(); h != nil {
				ctl.Stop()
				select {
				case <-h.Done():
				case <-time.After(10 * time.Second):
					log.Warn("active task did not stop in time", zap.String("task_id", h.ID))
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
