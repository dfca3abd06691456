package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/console"
	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/handlers"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/nats_service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("console exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg)

	// --- Record store ---
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Event loop and console ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := eventloop.New()
	go loop.Run(ctx)

	con := console.New(store, loop)
	if err := con.Start(ctx); err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}

	// --- Fiber app ---
	app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
	app.Use(fiberlogger.New())
	handlers.NewAPI(con, store, cfg).Register(app)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		serverErr <- app.Listen(cfg.ServerAddr)
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")

	if err := app.Shutdown(); err != nil {
		slog.Error("error shutting down fiber", "error", err)
	}

	if err := shutdown(con, cancel); err != nil {
		slog.Error("error closing console feeds", "error", err)
	}

	slog.Info("server gracefully stopped")
	return runErr
}

// shutdown disposes the console's feeds while the loop still runs and only
// then stops the loop.
func shutdown(con *console.Console, stopLoop context.CancelFunc) error {
	defer stopLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return con.Stop(ctx)
}

func openStore(cfg config.Config) (feed.Store, func(), error) {
	if cfg.Memory {
		slog.Warn("using in-memory record store, nothing is persisted")
		return feed.NewMemoryStore(), func() {}, nil
	}

	natsSvc, err := nats_service.NewNatsService(cfg.NATS)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS service: %w", err)
	}
	slog.Info("NATS service initialized", "url", cfg.NATS.URL)
	return natsSvc, natsSvc.Close, nil
}
