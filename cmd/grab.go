package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/controller"
)

func newGrabCmd() *cobra.Command {
	var (
		resourceID   string
		at           string
		lead         time.Duration
		noPreflight  bool
		statusPeriod time.Duration
	)

	c := &cobra.Command{
		Use:   "grab",
		Short: "Wait for a lecture's booking window and book it (Ctrl-C stops)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusPeriod <= 0 {
				return fmt.Errorf("--status-every must be positive, got %s", statusPeriod)
			}
			if lead < 0 {
				return fmt.Errorf("--lead must not be negative, got %s", lead)
			}
			e, err := setup(nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cookie, err := e.portalCookie(ctx, nil)
			if err != nil {
				return err
			}
			p, err := e.portal(cookie)
			if err != nil {
				return err
			}
			clk := e.clock(ctx, p)
			loc := e.cfg.Location()

			task := booking.Task{ResourceID: resourceID, Lead: lead}
			if at != "" {
				if task.TargetTime, err = booking.ParseTime(at, loc); err != nil {
					return err
				}
			}
			if !noPreflight {
				var r booking.Resource
				task, r, err = controller.Preflight(ctx, p, task, loc, clk.Now(), e.cfg.PermissionCheck)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d seats left, window %s .. %s\n",
					r.DisplayName, r.Remaining(), r.Total, fmtTime(r.StartTime), fmtTime(r.EndTime))
			}

			ctl := controller.New(e.controllerOptions(p, clk))
			h, err := ctl.Start(ctx, task)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "armed %s for %s (fires %s)\n",
				task.ResourceID, task.TargetTime.In(loc).Format(time.DateTime), task.FireAt().In(loc).Format("15:04:05.000"))

			tick := time.NewTicker(statusPeriod)
			defer tick.Stop()
		wait:
			for {
				select {
				case <-h.Done():
					break wait
				case <-ctx.Done():
					e.log.Info("interrupted, stopping task")
					ctl.Stop()
					<-h.Done()
					break wait
				case <-tick.C:
					st := h.State()
					if st.Phase == booking.Waiting {
						e.log.Info("waiting", zap.Duration("remaining", st.Remaining.Round(time.Second)))
					}
				}
			}

			res, _ := h.Result()
			fmt.Fprintf(cmd.OutOrStdout(), "finished: reason=%s attempts=%d", res.Reason, res.Attempts)
			if res.Outcome != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " outcome=%s", res.Outcome)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return res.Err
		},
	}

	c.Flags().StringVar(&resourceID, "resource", "", "lecture id (WID) to book")
	c.Flags().StringVar(&at, "at", "", `target time, RFC 3339 or "2006-01-02 15:04:05" in TIMEZONE (default: the listed window start)`)
	c.Flags().DurationVar(&lead, "lead", 0, "fire this long before the target time")
	c.Flags().BoolVar(&noPreflight, "no-preflight", false, "skip the listing and permission checks before arming")
	c.Flags().DurationVar(&statusPeriod, "status-every", 30*time.Second, "how often to log the countdown")
	_ = c.MarkFlagRequired("resource")
	return c
}
