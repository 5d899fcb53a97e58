package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/app"
	"github.com/pylonlabs/pylon/internal/auth"
	"github.com/pylonlabs/pylon/internal/config"
	"github.com/pylonlabs/pylon/internal/credential"
	"github.com/pylonlabs/pylon/internal/provider"
	"github.com/pylonlabs/pylon/internal/provider/kiro"
	"github.com/pylonlabs/pylon/internal/provider/warp"
	"github.com/pylonlabs/pylon/internal/quota"
	"github.com/pylonlabs/pylon/internal/server"
	"github.com/pylonlabs/pylon/internal/storage/sqlite"
	"github.com/pylonlabs/pylon/internal/telemetry"
	"github.com/pylonlabs/pylon/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting pylon", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "err", err)
			}
		}()
	}

	// Outbound transport shared by all engines
	resolver := &dnscache.Resolver{}
	base, err := provider.NewTransport(resolver, cfg.Proxy.URL)
	if err != nil {
		return err
	}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	// Engine factories
	reg := provider.NewRegistry()
	reg.Register("kiro", func(cred *gateway.Credential, client *http.Client) (gateway.Engine, error) {
		e, err := kiro.New(cred, client, cfg.Proxy.Machine.Seed)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			e.OnRetry = func() { metrics.UpstreamRetries.WithLabelValues("kiro").Inc() }
			e.OnCompression = func(level int) {
				metrics.CompressionRuns.WithLabelValues("kiro", strconv.Itoa(level)).Inc()
			}
		}
		return e, nil
	})
	reg.Register("warp", func(cred *gateway.Credential, client *http.Client) (gateway.Engine, error) {
		e, err := warp.New(cred, client)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			e.OnToolExecution = func(outcome string) {
				metrics.ToolExecutions.WithLabelValues("warp", outcome).Inc()
			}
		}
		return e, nil
	})

	// Credential pools, one per configured provider
	pools := make(map[string]*credential.Pool, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		refresher := credential.NewRefresher(store, pc.TokenURLs, pc.ClientID)
		pools[name] = credential.NewPool(name, store, refresher)
	}

	// Services
	quotaEngine := quota.New(store)
	recorder := worker.NewUsageRecorder(store)
	chatSvc := app.NewChatService(pools, reg, quotaEngine, recorder, metrics, base)
	keys := app.NewKeyManager(store, quotaEngine)

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	adminKey := cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = config.GenerateAdminKey()
		slog.Info("no admin key configured, generated one for this run", "admin_key", adminKey)
	}

	handler := server.New(server.Deps{
		Auth:       apiKeyAuth,
		Chat:       chatSvc,
		Keys:       keys,
		AdminKey:   adminKey,
		KeyCache:   apiKeyAuth,
		ReadyCheck: store.Ping,
		Metrics:    metrics,
		Registry:   gatherer,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(
		recorder,
		worker.NewQuotaResyncWorker(quotaEngine),
		worker.NewUsagePruneWorker(store),
	)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("pylon ready", "addr", cfg.Server.Addr, "providers", reg.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain after the server stops accepting requests so in-flight
	// usage records still land.
	stopWorkers()
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker shutdown", "err", err)
	}

	slog.Info("pylon stopped")
	return nil
}
