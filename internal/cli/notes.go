package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Robertgreenwood27/messagingapp/internal/services"
)

// NewNotesCmd creates the notes command.
func NewNotesCmd(load EnvLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Show or replace your personal notes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print your notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				user, err := env.user(ctx)
				if err != nil {
					return err
				}
				note, err := services.NewNoteService(env.Backend).Load(ctx, user.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if note.Content == "" {
					fmt.Fprintln(out, "(no notes)")
					return nil
				}
				fmt.Fprintln(out, note.Content)
				fmt.Fprintf(out, "-- saved %s\n", humanize.RelTime(note.UpdatedAt, env.Now(), "ago", "from now"))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save <text>...",
		Short: "Replace your notes with text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				user, err := env.user(ctx)
				if err != nil {
					return err
				}
				note, err := services.NewNoteService(env.Backend).Save(ctx, user.ID, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s of notes.\n", humanize.Bytes(uint64(len(note.Content))))
				return nil
			})
		},
	})
	return cmd
}
