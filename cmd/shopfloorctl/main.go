// Command shopfloorctl runs schema migrations and dry-run cascades against
// the shop floor database.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "shopfloorctl"),
	)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(defaultDeps(log))
	root.SetOut(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}
