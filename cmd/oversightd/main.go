// Command oversightd runs the HITL broker. With -console it also runs the
// operator console in the same process, which is the convenient way to use
// it on a workstation.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/oversight-hq/oversight/internal/config"
	"github.com/oversight-hq/oversight/internal/console"
	"github.com/oversight-hq/oversight/internal/registry"
	"github.com/oversight-hq/oversight/internal/server"
	"github.com/oversight-hq/oversight/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	withConsole := flag.Bool("console", false, "run the operator console in this process")
	addr := flag.String("addr", "", "listen address (overrides HITL_ADDR)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("oversight-broker", logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	reg := registry.New(registry.Options{
		DefaultTTL:    cfg.Timeout(),
		Retention:     cfg.Retention(),
		SweepInterval: cfg.SweepInterval(),
		MaxPending:    cfg.MaxPending,
	}, logger)
	srv := server.New(cfg.Addr, reg, cfg.Timeout(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return reg.RunSweeper(ctx)
	})
	if *withConsole {
		g.Go(func() error {
			// The console talks to the broker over its public wire
			// contract, same as a remote one would.
			return console.New(cfg.ServerURL, os.Stdin, os.Stdout, logger).Run(ctx)
		})
	}

	logger.Info("broker running",
		slog.String("addr", cfg.Addr),
		slog.Duration("request_timeout", cfg.Timeout()),
		slog.Bool("console", *withConsole),
	)

	if err := g.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("broker exited: %v", err)
	}
	logger.Info("broker stopped")
}
