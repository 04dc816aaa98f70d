package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/config"
	"github.com/raterudder/forecaster/pkg/engine"
	"github.com/raterudder/forecaster/pkg/fetch"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/publish"
	"github.com/raterudder/forecaster/pkg/quota"
	"github.com/raterudder/forecaster/pkg/server"
	"github.com/raterudder/forecaster/pkg/storage"
)

func main() {
	// init packages; the order matters because each lflag.Do runs in
	// registration order and later packages read what earlier ones loaded
	opts := config.Configured()
	db := storage.Configured()
	pub := publish.Configured()
	q := quota.Configured(db, opts)
	fc := fetch.Configured(q)
	e := engine.Configured(opts, db, q, fc, pub)
	srv := server.Configured(e)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.ConfiguredLevel()
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := pub.Connect(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to connect publisher", slog.Any("error", err))
	}
	defer pub.Close()

	if err := e.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "engine stopped", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		cancel()
		<-done
		os.Exit(1)
	}
	<-done
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
