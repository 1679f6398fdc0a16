package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/lecturegrab/internal/monitor"
)

func newLecturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lectures",
		Short: "List bookable lectures and their booking windows",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			rs, err := p.Lectures(ctx, e.cfg.Location())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSEATS\tOPENS\tCLOSES\tLECTURE")
			for _, r := range rs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					r.ID, r.DisplayName, r.Remaining(), r.Total, fmtTime(r.StartTime), fmtTime(r.EndTime), r.LectureTime)
			}
			return tw.Flush()
		},
	}
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check once whether the portal session is still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()

			ctx := context.Background()
			cookie, err := e.portalCookie(ctx, nil)
			if err != nil {
				return err
			}
			p, err := e.portal(cookie)
			if err != nil {
				return err
			}
			m := monitor.New(p, monitor.Options{Log: e.log.Named("monitor")})
			if !m.Probe(ctx) {
				return fmt.Errorf("portal unreachable")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session: %s\n", m.Health())
			return nil
		},
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateTime)
}
