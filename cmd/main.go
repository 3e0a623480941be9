// Command pywasm-bootstrap drives the bootstrap core from a terminal: it
// composes a VirtualizedDir from tar archives, captures a snapshot against
// a real interpreter wasm binary, restores one, and inspects an artifact's
// metadata without needing an interpreter at all (spec.md §6 CLI surface).
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	os.Exit(run(context.Background(), os.Stdout, os.Stderr, os.Args))
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	app := newApp(stdout, stderr)
	if err := app.RunContext(ctx, args); err != nil {
		reportError(stderr, err)
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "pywasm-bootstrap",
		Usage:     "compose, capture, and restore Python-on-WASM interpreter snapshots",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			bundleCommand(),
			captureCommand(),
			restoreCommand(),
			inspectCommand(),
		},
	}
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
