package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"rss_sentinel/internal/config"
	"rss_sentinel/internal/fetcher"
	"rss_sentinel/internal/notify"
	"rss_sentinel/internal/scheduler"
	"rss_sentinel/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	notifier, err := notify.NewTelegram(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error("create notifier", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(store, fetcher.New(http.DefaultClient), notifier, log, scheduler.Options{
		Tick:                 cfg.PollTick,
		MaxConcurrentFetches: int64(cfg.MaxConcurrentFetches),
		HistoryDays:          cfg.HistoryDays,
		DegradedAfter:        cfg.DegradedAfter,
		DisabledAfter:        cfg.DisabledAfter,
		DigestHour:           cfg.DigestHour,
		DigestInterval:       cfg.DigestInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting sentinel")

	sched.Run(ctx)

	log.Info("sentinel stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
