package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCleanupCmd creates the cleanup command.
func NewCleanupCmd(load EnvLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Permanently delete old soft-deleted messages (service key required)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				if env.Cleanup == nil {
					return errors.New("cleanup needs SUPABASE_SERVICE_ROLE_KEY or DATABASE_URL")
				}
				out := cmd.OutOrStdout()

				if stats, _ := cmd.Flags().GetBool("stats"); stats {
					s, err := env.Cleanup.Stats(ctx)
					if err != nil {
						return err
					}
					last := "never"
					if s.LastCleanup != nil {
						last = humanize.RelTime(*s.LastCleanup, env.Now(), "ago", "from now")
					}
					fmt.Fprintf(out, "Runs: %d\nMessages deleted: %s\nAverage duration: %s\nLast run: %s\nError rate: %.1f%%\n",
						s.Runs, humanize.Comma(int64(s.TotalMessagesDeleted)),
						time.Duration(s.AverageDurationMS*float64(time.Millisecond)).Round(time.Millisecond),
						last, s.ErrorRate)
					return nil
				}

				res, err := env.Cleanup.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %s messages in %s.\n",
					humanize.Comma(int64(res.MessagesDeleted)), time.Duration(res.Duration)*time.Millisecond)
				return nil
			})
		},
	}
	cmd.Flags().Bool("stats", false, "show statistics of recent runs instead of running")
	return cmd
}
