package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"inffits/internal/account"
	"inffits/internal/auth"
	"inffits/internal/config"
	"inffits/internal/events"
	"inffits/internal/listener"
	"inffits/internal/logctx"
	"inffits/internal/reconcile"
	"inffits/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	bus := events.NewBus()
	bus.Subscribe(events.TokenRefreshFailed, func(e events.Event) {
		logger.Warn("session lost, watcher idles until the next login", "reason", e.Detail)
	})

	api := account.NewClient(cfg)
	engine := reconcile.NewEngine(db, api, auth.NewTokenManager(db, api, bus), nil, bus)
	svc := listener.NewService(db, cfg, engine)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(svc.Run(logctx.Into(ctx, logger)))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
