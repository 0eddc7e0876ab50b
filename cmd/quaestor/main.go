package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Veridical-Systems/quaestor/internal/api"
	"github.com/Veridical-Systems/quaestor/internal/bus"
	"github.com/Veridical-Systems/quaestor/internal/config"
	"github.com/Veridical-Systems/quaestor/internal/gatherer"
	"github.com/Veridical-Systems/quaestor/internal/openai"
	"github.com/Veridical-Systems/quaestor/internal/precedent"
	"github.com/Veridical-Systems/quaestor/internal/session"
	"github.com/Veridical-Systems/quaestor/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("quaestor starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenAI client
	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}
	llm := openai.NewClient(cfg.OpenAIAPIKey, cfg.Model)
	if cfg.OpenAIBaseURL != "" {
		llm.SetBaseURL(cfg.OpenAIBaseURL)
	}
	slog.Info("openai client ready", "model", cfg.Model)

	// NATS is optional. With it, sessions live in a JetStream KV bucket
	// with server-side TTL and classifications go out on the bus. Without
	// it, sessions live in memory with a local sweeper.
	var (
		sessions  session.Store
		publisher api.Publisher
	)
	if cfg.NatsURL != "" {
		busClient, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer busClient.Close()

		kv, err := session.NewKVStore(busClient.Conn(), cfg.SessionBucket, cfg.SessionTTL)
		if err != nil {
			slog.Error("failed to open session bucket", "error", err)
			os.Exit(1)
		}
		sessions = kv
		publisher = busClient
		slog.Info("NATS connected", "url", cfg.NatsURL, "bucket", cfg.SessionBucket)
	} else {
		mem := session.NewMemoryStore(cfg.SessionTTL)
		go mem.RunSweeper(ctx, 5*time.Minute, slog.Default())
		sessions = mem
		slog.Warn("NATS not configured, sessions held in memory")
	}

	// Database is optional. Without it there is no case archive and no
	// precedent search, so fine prediction is disabled.
	var (
		archive   api.Archiver
		predictor api.Predictor
	)
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		archive = db
		predictor = precedent.New(db, llm, slog.Default())
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not configured, archive and fine prediction disabled")
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, api.Deps{
		Sessions:  sessions,
		Gatherer:  gatherer.New(llm, slog.Default()),
		Archive:   archive,
		Predictor: predictor,
		Bus:       publisher,
		Logger:    slog.Default(),
	})
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("quaestor ready", "port", cfg.Port, "max_rounds", gatherer.MaxRounds)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("quaestor stopped")
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
