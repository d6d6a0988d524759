package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Robertgreenwood27/messagingapp/internal/cli"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, cli.NewRootCmd(Version, cli.LoadEnv)); err != nil {
		stop()
		os.Exit(1)
	}
}
