// Command healer is the autonomous CI/CD healing service: it clones a
// failing repository, runs its tests, asks a reasoning model to
// propose fixes, applies and verifies them, and publishes a branch
// when the suite passes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %s, shutting down...\n", sig)
		cancel()
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "--help", "-h", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  healer serve [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  healer run --repo <url> --team <name> --leader <name>")
}
