// AgentMaestro server — the run orchestration engine for long-running,
// multi-step agent runs across multi-tenant workspaces.
//
// Serves:
//   - REST API for run creation, subrun spawning, tool-call approval, and
//     snapshot polling (internal/httpapi)
//   - WebSocket streams for workspace/run event push and command dispatch
//     (internal/wsapi)
//   - The lease + tick executor worker pool (internal/ticker)
//   - The periodic recovery sweep (internal/recovery)
//   - Prometheus metrics on /metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmaestro/agentmaestro/internal/config"
	"github.com/agentmaestro/agentmaestro/internal/httpapi"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/recovery"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
	"github.com/agentmaestro/agentmaestro/internal/subrun"
	"github.com/agentmaestro/agentmaestro/internal/telemetry"
	"github.com/agentmaestro/agentmaestro/internal/ticker"
	"github.com/agentmaestro/agentmaestro/internal/toolflow"
	"github.com/agentmaestro/agentmaestro/internal/toolrunner"
	"github.com/agentmaestro/agentmaestro/internal/wsapi"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a JSON config file (overlaid by AGENTMAESTRO_* env vars)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("AGENTMAESTRO_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Fatal("init trace provider", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	qm, err := openQuota(cfg)
	if err != nil {
		logger.Fatal("open quota backend", zap.Error(err))
	}

	bus := pushbus.NewInMemoryBus()
	broadcaster := &pushbus.Broadcaster{Bus: bus}
	sm := &statemachine.Manager{Quota: qm}

	tickQueue := ticker.NewChannelQueue(1024)

	subrunCtl := &subrun.Controller{
		Store: st, Quota: qm, SM: sm, Broadcaster: broadcaster, Queue: tickQueue,
		MaxPendingSubrunsPerParent: cfg.MaxPendingSubrunsPerParent,
		QuotaBypass:                cfg.QuotaBypass,
	}

	var toolRunnerClient toolflow.ToolRunner
	if cfg.ToolrunnerURL != "" && cfg.ToolrunnerSecret != "" {
		toolRunnerClient = &toolrunner.Client{
			BaseURL:    cfg.ToolrunnerURL,
			Secret:     []byte(cfg.ToolrunnerSecret),
			HTTPClient: &http.Client{Timeout: cfg.ToolrunnerHTTPTimeout},
		}
	}
	toolFlow := &toolflow.Controller{
		Store: st, Quota: qm, SM: sm, Broadcaster: broadcaster, Runner: toolRunnerClient,
		TimeoutSeconds: cfg.ToolrunnerExecTimeout,
		MaxOutputBytes: cfg.ToolrunnerMaxOutputBytes,
		QuotaBypass:    cfg.QuotaBypass,
	}

	var revoker recovery.TaskRevoker
	if tc, ok := toolRunnerClient.(*toolrunner.Client); ok {
		revoker = tc
	}
	sweeper := &recovery.Sweeper{
		Store: st, SM: sm, Broadcaster: broadcaster, Queue: tickQueue,
		Revoker: revoker, Notifier: subrunCtl, Logger: logger,
	}

	executor := &ticker.Executor{
		Store: st, Quota: qm, SM: sm, Broadcaster: broadcaster, Subrun: subrunCtl,
		WorkerID:            hostWorkerID(),
		LeaseSeconds:        cfg.LeaseSeconds,
		RetryBackoffSeconds: cfg.RetryBackoffSeconds,
		QuotaBypass:         cfg.QuotaBypass,
	}
	scheduler := &ticker.Scheduler{Queue: tickQueue, Executor: executor, Logger: logger, Workers: 8}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go runSweepLoop(ctx, sweeper, logger)

	httpSrv := &httpapi.Server{
		Store: st, Quota: qm, SM: sm, Broadcaster: broadcaster,
		Subrun: subrunCtl, ToolFlow: toolFlow, Ticker: tickQueue,
		QuotaBypass: cfg.QuotaBypass,
	}
	wsSrv := wsapi.NewServer(bus, logger)
	wsSrv.Store = st
	wsSrv.SM = sm
	wsSrv.Subrun = subrunCtl
	wsSrv.ToolFlow = toolFlow
	wsSrv.Sweeper = sweeper
	wsSrv.HTTP = httpSrv

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s"}`+"\n", version, commit)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	httpSrv.Routes(mux)
	wsSrv.Routes(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      identityStub(mux),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting agentmaestro server",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("quota_backend", cfg.QuotaBackend),
	)

	go func() {
		var err error
		if cfg.HasTLS() {
			err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "pgx":
		return store.OpenPG(ctx, cfg.StoreDSN)
	case "sqlite", "":
		return store.OpenSQLite(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}
}

func openQuota(cfg config.Config) (quota.Manager, error) {
	switch cfg.QuotaBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return quota.NewRedisManager(rdb, "agentmaestro:quota:"), nil
	case "memory", "":
		return quota.NewMemoryManager(), nil
	default:
		return nil, fmt.Errorf("unknown quota_backend %q", cfg.QuotaBackend)
	}
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runSweepLoop drives recovery's combined stale-lease/waiting-parent
// reconciliation on a fixed interval until ctx is canceled.
func runSweepLoop(ctx context.Context, sweeper *recovery.Sweeper, logger *zap.Logger) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sweeper.ReconcileWaitingParentsAndLeases(ctx); err != nil {
				logger.Warn("recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// identityStub passes requests through without attaching an rbac.Identity: the real
// identity model (users, sessions, OIDC) is out of scope here, per spec.
// A production deployment replaces this middleware with one that
// resolves rbac.Identity from a session/JWT and calls rbac.WithIdentity.
func identityStub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
	})
}
