// Package main — cmd/bubbaloopd/main.go
//
// Bubbaloop control-plane daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/bubbaloop/config.yaml.
//  2. Initialise structured logger (zap; level and json/console format from config).
//  3. Open the flat-file registry (refuse to start if corrupt).
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Connect the service manager adapter (systemd user bus).
//  6. Open the bus session.
//  7. Construct the Node Manager and run the initial refresh_all.
//  8. Start the signal listener (debounced unit-change refresh).
//  9. Start the heartbeat/staleness monitor.
// 10. Start the Bus API queryables (legacy + machine-scoped prefixes).
// 11. Start the Rule Engine (if enabled) and mount the agent tools.
// 12. Register SIGHUP handler for rules hot-reload.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Undeclare the Bus API and agent queryables (stop accepting queries).
//  3. In-flight builds are not cancelled by the root context; each runs
//     until its command exits or its build timeout kills its process group.
//  4. Close the bus session last.
//  5. Flush logger.
//  6. Exit 0.
//
// On registry corruption: exit 1 immediately (no partial state).
// On config validation failure: exit 1 immediately.
// Transient runtime failures never exit the daemon.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/agent"
	"github.com/kornia-rs/bubbaloop/internal/buildexec"
	"github.com/kornia-rs/bubbaloop/internal/bus"
	"github.com/kornia-rs/bubbaloop/internal/busapi"
	"github.com/kornia-rs/bubbaloop/internal/config"
	"github.com/kornia-rs/bubbaloop/internal/nodemanager"
	"github.com/kornia-rs/bubbaloop/internal/observability"
	"github.com/kornia-rs/bubbaloop/internal/registry"
	"github.com/kornia-rs/bubbaloop/internal/rules"
	"github.com/kornia-rs/bubbaloop/internal/servicemgr"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/bubbaloop/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("bubbaloopd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("bubbaloopd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("machine_id", cfg.NodeID),
		zap.String("scope", cfg.Scope),
		zap.String("config", *configPath),
	)

	// ── Root context with cancellation ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open registry ─────────────────────────────────────────────────
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		log.Fatal("registry open failed — aborting (no partial state)",
			zap.Error(err), zap.String("path", cfg.Registry.Path))
	}
	log.Info("registry opened", zap.String("path", cfg.Registry.Path))

	// ── Step 4: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Service manager adapter ───────────────────────────────────────
	svc, err := servicemgr.New(ctx, metrics)
	if err != nil {
		log.Fatal("service manager connect failed", zap.Error(err))
	}
	defer svc.Close()
	log.Info("service manager connected")

	// ── Step 6: Bus session ───────────────────────────────────────────────────
	session, err := bus.Open(ctx, bus.Config{
		Endpoint:           cfg.Bus.Endpoint,
		QueryTimeout:       cfg.Bus.QueryTimeout.Std(),
		MaxConcurrentConns: cfg.Bus.MaxConcurrentConns,
		MaxRequestBytes:    int64(cfg.Bus.MaxRequestBytes),
	}, log)
	if err != nil {
		log.Fatal("bus session open failed", zap.Error(err))
	}

	// ── Step 7: Node Manager + initial refresh ────────────────────────────────
	executor := buildexec.New(cfg.Build.ToolDirs, cfg.Build.Timeout.Std(), metrics)
	mgr := nodemanager.New(reg, svc, executor, cfg.NodeID, cfg.Scope,
		cfg.ServiceDir, cfg.Build.ToolDirs, log, metrics)
	mgr.SetHealthTiming(cfg.Health.StaleAfter.Std(), cfg.Health.TickInterval.Std())
	if err := mgr.RefreshAll(ctx); err != nil {
		log.Fatal("initial refresh failed", zap.Error(err))
	}
	log.Info("node cache reconciled", zap.Int("nodes", len(mgr.GetNodeList())))

	// ── Step 8: Signal listener ───────────────────────────────────────────────
	if err := mgr.StartSignalListener(ctx); err != nil {
		log.Fatal("signal listener failed to start", zap.Error(err))
	}
	log.Info("signal listener started")

	// ── Step 9: Heartbeat monitor ─────────────────────────────────────────────
	mgr.StartHealthMonitor(ctx, session)
	log.Info("health monitor started")

	// ── Step 10: Bus API ──────────────────────────────────────────────────────
	api := busapi.New(mgr, session, cfg.NodeID, cfg.Scope, metrics, log)
	api.Start()
	log.Info("bus API mounted",
		zap.String("legacy", "bubbaloop/daemon/api/**"),
		zap.String("scoped", fmt.Sprintf("bubbaloop/%s/daemon/api/**", cfg.NodeID)))

	// ── Step 11: Rule engine + agent tools ────────────────────────────────────
	var engine *rules.Engine
	if cfg.Rules.Enabled {
		engine = rules.New(session, cfg.NodeID, cfg.Scope, log, metrics)
		if err := engine.Reload(ctx, cfg.Rules.Path); err != nil {
			log.Error("rule engine load failed — continuing without rules", zap.Error(err))
		}
	} else {
		log.Info("rule engine disabled")
	}

	dispatcher := agent.New(mgr, session, cfg.NodeID, cfg.Scope, nil, log)
	agentQueryables := dispatcher.Mount()
	log.Info("agent tools mounted", zap.Int("tools", len(dispatcher.Tools())))

	// ── Step 12: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading rules...")
			if engine == nil {
				continue
			}
			if err := engine.Reload(ctx, cfg.Rules.Path); err != nil {
				log.Error("rules hot-reload failed — retaining old rules", zap.Error(err))
			}
		}
	}()

	// ── Step 13: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Initiate graceful shutdown.
	cancel()

	api.Stop()
	for _, q := range agentQueryables {
		q.Undeclare()
	}
	if err := session.Close(); err != nil {
		log.Warn("bus session close", zap.Error(err))
	}

	log.Info("bubbaloopd shutdown complete")
}
