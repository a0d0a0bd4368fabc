package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/gdwatch"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	var cli gdwatch.CLI
	code := cli.Run(ctx)
	cancel()
	os.Exit(code)
}
