package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/stillwater-labs/chatsync/internal/bus"
	"github.com/stillwater-labs/chatsync/internal/config"
	"github.com/stillwater-labs/chatsync/internal/simserver"
	"github.com/stillwater-labs/chatsync/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("mocksaas starting", "port", cfg.Port)

	ctx := context.Background()

	// Postgres when configured, in-memory otherwise.
	var msgStore simserver.MessageStore
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		msgStore = db
		slog.Info("database connected")
	} else {
		msgStore = simserver.NewMemStore()
		slog.Info("using in-memory store")
	}

	srv := simserver.NewServer(msgStore, nil, slog.Default())

	// Out-of-band agent replies arrive over NATS when configured.
	if cfg.NatsURL != "" {
		nc, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if err := nc.Subscribe(bus.SubjectAgentReply, srv.HandleAgentReply); err != nil {
			slog.Error("failed to subscribe to agent replies", "error", err)
			os.Exit(1)
		}
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	if err := srv.Start(cfg.Port); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
