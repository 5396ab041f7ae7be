// Package app wires configuration, storage, the container fabric, and the
// HTTP services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/chainowl/internal/config"
	"github.com/wisbric/chainowl/internal/httpserver"
	"github.com/wisbric/chainowl/internal/platform"
	"github.com/wisbric/chainowl/internal/telemetry"
	"github.com/wisbric/chainowl/internal/worker"
	"github.com/wisbric/chainowl/pkg/anvil"
	"github.com/wisbric/chainowl/pkg/backend"
	"github.com/wisbric/chainowl/pkg/notify"
	"github.com/wisbric/chainowl/pkg/orchestrator"
	"github.com/wisbric/chainowl/pkg/rpcproxy"
	"github.com/wisbric/chainowl/pkg/store"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (orchestrator or proxy).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting chainowl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Metrics
	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	// Store
	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	switch cfg.Mode {
	case "orchestrator":
		return runOrchestrator(ctx, cfg, logger, st, metricsReg)
	case "proxy":
		return runProxy(ctx, cfg, logger, st, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database {
	case "sqlite":
		db, err := platform.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return store.NewSQLiteStore(db, logger), nil
	case "redis":
		client, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("using redis store")
		return store.NewRedisStore(client, logger), nil
	default:
		return nil, fmt.Errorf("invalid database type: %s", cfg.Database)
	}
}

func newBackend(cfg *config.Config, st store.Store, primer *anvil.Primer, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "docker":
		return backend.NewDockerBackend(st, primer, logger, cfg.DockerNetwork, cfg.DefaultNodeImage)
	case "kubernetes":
		return backend.NewKubernetesBackend(st, primer, logger, cfg.Kubeconfig, cfg.KubeNamespace, cfg.DefaultNodeImage)
	default:
		return nil, fmt.Errorf("invalid backend type: %s", cfg.Backend)
	}
}

func runOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, metricsReg *prometheus.Registry) error {
	primer := anvil.NewPrimer(logger)

	b, err := newBackend(cfg, st, primer, logger)
	if err != nil {
		return err
	}

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN or SLACK_OPS_CHANNEL not set)")
	}

	// The reaper runs in exactly one process per instance set; the first
	// worker to take the lock wins.
	lock, err := worker.Acquire(cfg.WorkerLockDir, "orchestrator")
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("releasing worker lock", "error", err)
		}
	}()

	if lock.IsLeader() {
		reaper := orchestrator.NewReaper(st, b, notifier, logger)
		go reaper.Run(ctx)
	} else {
		logger.Info("not the first worker, reaper disabled")
	}

	srv := httpserver.NewServer(logger, metricsReg, cfg.MetricsPath,
		httpserver.ReadyCheck{Name: "store", Check: st.Ping},
		httpserver.ReadyCheck{Name: "fabric", Check: b.Ping},
	)

	handler := orchestrator.NewHandler(st, b, notifier, logger)
	srv.Router.Mount("/instances", handler.Routes())

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
		// Launches block on container start and node priming.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return serve(ctx, logger, httpSrv, "orchestrator")
}

func runProxy(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(logger, metricsReg, cfg.MetricsPath,
		httpserver.ReadyCheck{Name: "store", Check: st.Ping},
	)

	handler := rpcproxy.NewHandler(st, logger)
	srv.Router.Mount("/", handler.Routes())

	// No read/write timeouts: WebSocket relay sessions are long-lived.
	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     srv,
		IdleTimeout: 120 * time.Second,
	}

	return serve(ctx, logger, httpSrv, "proxy")
}

func serve(ctx context.Context, logger *slog.Logger, httpSrv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down " + name + " server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
