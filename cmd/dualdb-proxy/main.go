// Package main is the entry point for the dual-database proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axonops/dualdb/internal/adapter/fallback"
	"github.com/axonops/dualdb/internal/adapter/primary"
	"github.com/axonops/dualdb/internal/api"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/conflict"
	"github.com/axonops/dualdb/internal/dualwrite"
	"github.com/axonops/dualdb/internal/fencing"
	"github.com/axonops/dualdb/internal/health"
	"github.com/axonops/dualdb/internal/logging"
	"github.com/axonops/dualdb/internal/metrics"
	"github.com/axonops/dualdb/internal/proxy"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/secrets"
	"github.com/axonops/dualdb/internal/state"
	dbsync "github.com/axonops/dualdb/internal/sync"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	adminAddr := flag.String("admin-addr", ":8091", "Address for the operator HTTP surface")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dualdb-proxy %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting dualdb-proxy",
		slog.String("version", version),
		slog.String("fallback_path", cfg.Fallback.Path),
	)

	if cfg.Vault.Enabled {
		resolver, err := secrets.New(cfg.Vault)
		if err != nil {
			logger.Error("failed to create vault resolver", slog.String("error", err.Error()))
			os.Exit(1)
		}
		dsnCtx, dsnCancel := context.WithTimeout(context.Background(), 10*time.Second)
		dsn, err := resolver.ResolvePrimaryDSN(dsnCtx)
		dsnCancel()
		if err != nil {
			logger.Error("failed to resolve primary DSN from vault", slog.String("error", err.Error()))
			os.Exit(1)
		}
		cfg.Primary.DSN = dsn
		logger.Info("resolved primary DSN from vault", slog.String("mount", cfg.Vault.MountPath))
	}

	reg := schema.NewRegistry()

	primaryStore, err := primary.NewStore(cfg.Primary, reg)
	if err != nil {
		logger.Error("failed to create primary store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fallbackStore, err := fallback.NewStore(cfg.Fallback, reg)
	if err != nil {
		logger.Error("failed to create fallback store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	machine := state.New()
	cl := changelog.NewStore(fallbackStore.DB())
	cs := conflict.NewStore(fallbackStore.DB())

	var fence *fencing.Manager
	if cfg.Fencing.Enabled {
		fence = fencing.New(cfg.Fencing, logger)
	}

	hm := health.New(cfg.Health, func(ctx context.Context, timeout time.Duration) bool {
		return primaryStore.HealthProbe(ctx, timeout).Healthy
	}, logger)
	fbhm := health.New(cfg.Health, func(ctx context.Context, timeout time.Duration) bool {
		return fallbackStore.HealthProbe(ctx, timeout).Healthy
	}, logger)

	dual := dualwrite.New(primaryStore, fallbackStore, reg, machine, fence, cl, cfg.DualWrite, logger)
	sm := dbsync.New(primaryStore, fallbackStore, reg, machine, fence, cl, cs, cfg.Sync, logger)

	p := proxy.New(primaryStore, fallbackStore, reg, machine, hm, fbhm, fence, dual, sm, cl, cs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Initialize(ctx); err != nil {
		logger.Error("failed to initialize proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	server := api.NewServer(*adminAddr, p, m, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown error", slog.String("error", err.Error()))
		}
		if err := p.Close(shutdownCtx); err != nil {
			logger.Error("proxy close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}
