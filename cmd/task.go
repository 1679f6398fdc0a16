package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/lecturegrab/internal/auth"
	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/migrate"
	"github.com/example/lecturegrab/internal/tasks"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled booking tasks (run by the server)",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		username   string
		resourceID string
		name       string
		at         string
		lead       time.Duration
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Schedule a booking task",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()

			target, err := booking.ParseTime(at, e.cfg.Location())
			if err != nil {
				return err
			}
			t := booking.Task{ResourceID: resourceID, DisplayName: name, TargetTime: target, Lead: lead}
			if err := t.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			d, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := migrate.Up(ctx, d, e.log); err != nil {
				return err
			}

			var userID *int64
			if username != "" {
				uid, err := auth.NewStore(d, e.cfg.CookieHashKey, e.cfg.CookieBlockKey).UserID(ctx, username)
				if err != nil {
					return fmt.Errorf("user %q: %w", username, err)
				}
				userID = &uid
			}

			id, err := tasks.NewRepo(d).Create(ctx, userID, t, tasks.StatusScheduled)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task id=%d fires_at=%s\n", id, t.FireAt().Format(time.RFC3339Nano))
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "owning user (optional)")
	c.Flags().StringVar(&resourceID, "resource", "", "lecture id (WID)")
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&at, "at", "", `target time, RFC 3339 or "2006-01-02 15:04:05" in TIMEZONE`)
	c.Flags().DurationVar(&lead, "lead", 0, "fire this long before the target time")
	_ = c.MarkFlagRequired("resource")
	_ = c.MarkFlagRequired("at")
	return c
}

func newTaskListCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()

			ctx := context.Background()
			d, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			rs, err := tasks.NewRepo(d).ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			loc := e.cfg.Location()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRESOURCE\tNAME\tTARGET\tSTATUS\tREASON\tATTEMPTS")
			for _, r := range rs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.Task.ResourceID, r.Task.DisplayName, r.Task.TargetTime.In(loc).Format(time.DateTime),
					r.Status, deref(r.Reason), r.Attempts)
			}
			return tw.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "number of tasks")
	return c
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
