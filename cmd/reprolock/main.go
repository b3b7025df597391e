package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"reprolock/internal/cli"
)

// main only wires the process boundary: arguments, standard streams,
// interrupt handling and the exit status.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
