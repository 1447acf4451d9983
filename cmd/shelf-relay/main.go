// Command shelf-relay runs the HTTP event relay that shelf replicas sync through.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/marcus/shelf/internal/relay"
)

func main() {
	cfg := relay.LoadConfig()

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if level != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cfg.AuthToken == "" {
		slog.Warn("RELAY_AUTH_TOKEN not set; relay accepts unauthenticated requests")
	}

	store, err := relay.OpenStore(cfg.DBPath)
	if err != nil {
		slog.Error("open relay db", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := relay.NewServer(cfg, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("relay started", "addr", cfg.ListenAddr, "db", cfg.DBPath, "head", store.Head())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}
