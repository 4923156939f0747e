package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tracklet/tracklet/internal/config"
	"github.com/tracklet/tracklet/internal/ingestd"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fatal(err)
	}

	pflag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "bind address")
	pflag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite path")
	pflag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := ingestd.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := ingestd.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	log.Info("ingestion server starting", "addr", cfg.ListenAddr, "db", cfg.DBPath)
	srv := ingestd.NewServer(store, log)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tracklet-api: %v\n", err)
	os.Exit(1)
}
