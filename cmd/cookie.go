package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/lecturegrab/internal/auth"
	"github.com/example/lecturegrab/internal/migrate"
)

func newCookieCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookie",
		Short: "Manage the stored portal session cookie",
	}
	cmd.AddCommand(newCookieSetCmd())
	return cmd
}

func newCookieSetCmd() *cobra.Command {
	var username, cookie string

	c := &cobra.Command{
		Use:   "set",
		Short: "Encrypt and store a portal cookie for a user (reads stdin when --cookie is omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.log.Sync() }()

			if cookie == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read cookie: %w", err)
				}
				cookie = line
			}
			cookie = strings.TrimSpace(cookie)
			if cookie == "" {
				return errors.New("empty cookie")
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
			creds, err := e.credentialStore(d)
			if err != nil {
				return err
			}
			uid, err := auth.NewStore(d, e.cfg.CookieHashKey, e.cfg.CookieBlockKey).UserID(ctx, username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}
			if err := creds.Put(ctx, uid, cookie); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored portal cookie for %q\n", username)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "owning user")
	c.Flags().StringVar(&cookie, "cookie", "", "cookie header value copied from an authenticated browser session")
	_ = c.MarkFlagRequired("username")
	return c
}
