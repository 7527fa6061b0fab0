package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcelocantos/parapipe/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Cancel the run on interrupt; stages are killed and lanes wind down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.Execute(ctx, version, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}
