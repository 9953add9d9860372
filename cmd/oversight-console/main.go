// Command oversight-console connects an operator to a running broker and
// walks them through pending requests one at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/oversight-hq/oversight/internal/config"
	"github.com/oversight-hq/oversight/internal/console"
)

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", "", "broker base URL (overrides HITL_SERVER_URL)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := console.New(cfg.ServerURL, os.Stdin, os.Stdout, logger)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("console exited: %v", err)
	}
}
