package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tracklet/tracklet/internal/collector"
	"github.com/tracklet/tracklet/internal/config"
	"github.com/tracklet/tracklet/internal/identity"
	"github.com/tracklet/tracklet/internal/localapi"
	"github.com/tracklet/tracklet/internal/outbox"
	"github.com/tracklet/tracklet/internal/sender"
	"github.com/tracklet/tracklet/internal/track"
)

var version = "0.1.0"

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fatal(err)
	}

	pflag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "local API bind address")
	pflag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "outbox sqlite path")
	pflag.StringVar(&cfg.ServerBaseURL, "server", cfg.ServerBaseURL, "ingestion server base URL")
	pflag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ident, err := identity.NewStore(cfg.IdentityPath, version).GetOrCreate()
	if err != nil {
		fatal(err)
	}
	log.Info("agent starting", "device", ident.DeviceID, "version", version)

	store, err := outbox.Open(ctx, cfg.DBPath, outbox.Options{
		Lease:      cfg.OutboxLease,
		MaxBackoff: cfg.OutboxMaxBackoff,
	})
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := outbox.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	appSess := track.NewAppSessionizer(store, ident.DeviceID, log)
	idleSess := track.NewIdleSessionizer(store, ident.DeviceID, log)
	webSess := track.NewWebSessionizer(store, ident.DeviceID, log)

	snd := sender.New(store, nil, sender.StreamConfigs(cfg), ident, nil, log)
	heartbeat := sender.NewHeartbeat(nil,
		strings.TrimRight(cfg.ServerBaseURL, "/")+"/devices/heartbeat",
		ident, cfg.HeartbeatInterval, log)
	worker := collector.NewWorker(
		collector.NoopIdleCollector{}, collector.NoopAppCollector{},
		appSess, idleSess, webSess, cfg.CollectorPollInterval, log)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		snd.Run(ctx, cfg.SenderTickInterval)
	}()
	go func() {
		defer wg.Done()
		heartbeat.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	srv := localapi.NewServer(cfg.AgentToken, ident, appSess, idleSess, webSess, store, snd.State(), log)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil && err != context.Canceled {
		cancel()
		wg.Wait()
		fatal(err)
	}
	wg.Wait()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "trackletd: %v\n", err)
	os.Exit(1)
}
