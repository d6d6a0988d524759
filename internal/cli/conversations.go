package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/presence"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
)

// NewConversationsCmd creates the conversations command.
func NewConversationsCmd(load EnvLoader) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				user, err := env.user(ctx)
				if err != nil {
					return err
				}
				convs, err := services.NewConversationService(env.Backend).List(ctx, user.ID)
				if err != nil {
					return err
				}
				if len(convs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet. Use 'dmchat start <username>'.")
					return nil
				}

				online := presence.NewOnlineTracker(env.Backend, nil, presence.WithClock(env.Now))
				if err := online.Load(ctx); err != nil {
					env.Log.Warn().Err(err).Msg("online status unavailable")
				}

				out := cmd.OutOrStdout()
				for _, c := range convs {
					marker := " "
					if online.IsOnline(c.OtherParticipant(user.ID)) {
						marker = "●"
					}
					fmt.Fprintf(out, "%s %-20s %s  (updated %s)\n", marker, displayName(c.OtherProfile(user.ID), c.OtherParticipant(user.ID)),
						c.ID, humanize.RelTime(c.UpdatedAt, env.Now(), "ago", "from now"))
				}
				return nil
			})
		},
	}
}

// NewStartCmd creates the start command.
func NewStartCmd(load EnvLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "start <username>",
		Short: "Start or reopen a conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				user, err := env.user(ctx)
				if err != nil {
					return err
				}
				c, err := services.NewConversationService(env.Backend).Start(ctx, user.ID, args[0])
				if errors.Is(err, services.ErrUserNotFound) {
					return fmt.Errorf("no user named %q", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation with %s: %s\n",
					displayName(c.OtherProfile(user.ID), c.OtherParticipant(user.ID)), c.ID)
				return nil
			})
		},
	}
}

func displayName(p *models.Profile, fallback string) string {
	if p == nil || p.Username == "" {
		return fallback
	}
	return p.Username
}
