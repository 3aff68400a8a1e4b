// Package observability — metrics.go
//
// Prometheus metrics for bubbaloopd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: bubbaloop_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for bubbaloopd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Node cache ───────────────────────────────────────────────────────────

	// NodesByStatus is the current count of cached nodes, by status.
	// Refreshed on every refresh_all / refresh_node.
	NodesByStatus *prometheus.GaugeVec

	// ─── Commands ─────────────────────────────────────────────────────────────

	// CommandsTotal counts execute_command invocations, by command and
	// outcome (success, failure).
	CommandsTotal *prometheus.CounterVec

	// ─── Builds ───────────────────────────────────────────────────────────────

	// BuildDurationSeconds records build/clean job wall-clock duration.
	// Labels: outcome (success, failed, timeout).
	BuildDurationSeconds *prometheus.HistogramVec

	// BuildsInFlight is the current number of nodes with an in-flight
	// build or clean.
	BuildsInFlight prometheus.Gauge

	// ─── Signal debouncer ─────────────────────────────────────────────────────

	// SignalDebounceBurstSize records the number of distinct (name, event)
	// pairs coalesced per 500ms debounce window.
	SignalDebounceBurstSize prometheus.Histogram

	// SignalEventsDroppedTotal counts signal events dropped because the
	// debounce queue was full.
	SignalEventsDroppedTotal prometheus.Counter

	// SignalSubscribeErrorsTotal counts errors on the service manager's
	// unit-change signal subscription.
	SignalSubscribeErrorsTotal prometheus.Counter

	// ─── Rule engine ──────────────────────────────────────────────────────────

	// RuleTriggersTotal counts rule matches, by rule name.
	RuleTriggersTotal *prometheus.CounterVec

	// RuleOverridesSkippedTotal counts matches skipped due to a manual
	// override, by rule name.
	RuleOverridesSkippedTotal *prometheus.CounterVec

	// ─── Bus API ──────────────────────────────────────────────────────────────

	// BusQueryLatencySeconds records query handling latency, by endpoint path.
	BusQueryLatencySeconds *prometheus.HistogramVec

	// BusQueriesTotal counts queries handled, by path and status code.
	BusQueriesTotal *prometheus.CounterVec

	// ─── Heartbeats ───────────────────────────────────────────────────────────

	// HeartbeatErrorsTotal counts heartbeat-subscriber receive errors.
	HeartbeatErrorsTotal prometheus.Counter

	// NodesUnhealthyTotal counts health_status transitions to Unhealthy.
	NodesUnhealthyTotal prometheus.Counter

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since daemon start.
	DaemonUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all bubbaloopd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		NodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bubbaloop",
			Subsystem: "nodes",
			Name:      "by_status",
			Help:      "Current number of cached nodes in each status.",
		}, []string{"status"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Node commands executed, by command and outcome.",
		}, []string{"command", "outcome"}),

		BuildDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bubbaloop",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Build/clean job durations, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"}),

		BuildsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bubbaloop",
			Subsystem: "build",
			Name:      "in_flight",
			Help:      "Current number of nodes with an in-flight build or clean.",
		}),

		SignalDebounceBurstSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bubbaloop",
			Subsystem: "signal",
			Name:      "debounce_burst_size",
			Help:      "Distinct (name, event) pairs coalesced per debounce window.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),

		SignalEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "signal",
			Name:      "events_dropped_total",
			Help:      "Signal events dropped due to a full debounce queue.",
		}),

		SignalSubscribeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "signal",
			Name:      "subscribe_errors_total",
			Help:      "Errors on the unit-change signal subscription.",
		}),

		RuleTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "rules",
			Name:      "triggers_total",
			Help:      "Rule trigger counts, by rule name.",
		}, []string{"rule"}),

		RuleOverridesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "rules",
			Name:      "overrides_skipped_total",
			Help:      "Rule matches skipped due to a manual override, by rule name.",
		}, []string{"rule"}),

		BusQueryLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bubbaloop",
			Subsystem: "bus",
			Name:      "query_latency_seconds",
			Help:      "Bus API query handling latency, by endpoint path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		BusQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "bus",
			Name:      "queries_total",
			Help:      "Bus API queries handled, by path and status code.",
		}, []string{"path", "code"}),

		HeartbeatErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "heartbeat",
			Name:      "errors_total",
			Help:      "Heartbeat subscriber receive errors.",
		}),

		NodesUnhealthyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Subsystem: "heartbeat",
			Name:      "nodes_unhealthy_total",
			Help:      "Total health_status transitions to Unhealthy.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bubbaloop",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.NodesByStatus,
		m.CommandsTotal,
		m.BuildDurationSeconds,
		m.BuildsInFlight,
		m.SignalDebounceBurstSize,
		m.SignalEventsDroppedTotal,
		m.SignalSubscribeErrorsTotal,
		m.RuleTriggersTotal,
		m.RuleOverridesSkippedTotal,
		m.BusQueryLatencySeconds,
		m.BusQueriesTotal,
		m.HeartbeatErrorsTotal,
		m.NodesUnhealthyTotal,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
