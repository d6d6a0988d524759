// Package cli implements the dmchat terminal client.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const AppName = "dmchat"

// NewRootCmd builds the command tree. load is called once per command run.
func NewRootCmd(version string, load EnvLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Direct messages from the terminal",
		Long:          "dmchat lists, starts and follows direct conversations as the signed-in user.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.AddCommand(
		NewConversationsCmd(load),
		NewStartCmd(load),
		NewChatCmd(load),
		NewNotesCmd(load),
		NewCleanupCmd(load),
	)
	return cmd
}

// withEnv loads the environment, runs fn and releases the environment.
func withEnv(cmd *cobra.Command, load EnvLoader, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := load(ctx)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer env.Close()
	}
	return fn(ctx, env)
}

// Execute runs the command tree and reports a failure on its error stream.
func Execute(ctx context.Context, root *cobra.Command) error {
	if err := root.ExecuteContext(ctx); err != nil {
		return writeCommandError(root, err)
	}
	return nil
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	return err
}
