// Package observability exposes Prometheus metrics for the SBH daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable). Bind: the
// default address is loopback-only; a configured address is used as
// given. Metric naming convention:
// sbhd_<subsystem>_<name>_<unit>. All metrics register on a dedicated
// prometheus.Registry rather than the default global one, to avoid
// collisions with other instrumented libraries in the same process —
// same discipline as the teacher's observability package, retargeted
// from kernel-event/escalation subsystems to SBH's pressure/forecast/
// scanner/executor/ballast/logger/supervisor pipeline.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for SBH.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pressure / forecast ──────────────────────────────────────────

	PressureFreePercent    *prometheus.GaugeVec
	PressureLevel          *prometheus.GaugeVec
	ForecastSecondsToExhaust *prometheus.GaugeVec
	ForecastConfidence     *prometheus.GaugeVec

	// ─── Scanner / walker / scoring ───────────────────────────────────

	ScansTotal             prometheus.Counter
	ScanDurationSeconds    prometheus.Histogram
	CandidatesScoredTotal  prometheus.Counter
	CandidateScoreHistogram prometheus.Histogram

	// ─── Executor ──────────────────────────────────────────────────────

	DeletionsTotal       *prometheus.CounterVec
	BytesFreedTotal      prometheus.Counter
	VetoesTotal          *prometheus.CounterVec
	CircuitOpenTotal     prometheus.Counter
	CircuitState         prometheus.Gauge

	// ─── Ballast ─────────────────────────────────────────────────────

	BallastPresentFiles  *prometheus.GaugeVec
	BallastReleasedTotal prometheus.Counter
	BallastReplenishedTotal prometheus.Counter

	// ─── Dual logger ───────────────────────────────────────────────────

	LoggerEventsDroppedTotal   prometheus.Counter
	LoggerDegraded             prometheus.Gauge
	LoggerSQLiteFailuresTotal  prometheus.Counter

	// ─── Agent ───────────────────────────────────────────────────────

	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all SBH Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PressureFreePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "pressure", Name: "free_percent",
			Help: "Current free-space percentage per mount.",
		}, []string{"mount"}),

		PressureLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "pressure", Name: "level",
			Help: "Current discrete pressure level per mount (0=Green..4=Critical).",
		}, []string{"mount"}),

		ForecastSecondsToExhaust: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "forecast", Name: "seconds_to_exhaust",
			Help: "Projected seconds until a mount is exhausted, per mount.",
		}, []string{"mount"}),

		ForecastConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "forecast", Name: "confidence",
			Help: "Forecaster confidence in [0,1], per mount.",
		}, []string{"mount"}),

		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "scanner", Name: "scans_total",
			Help: "Total completed scans.",
		}),

		ScanDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sbhd", Subsystem: "scanner", Name: "scan_duration_seconds",
			Help: "Scan wall-clock duration in seconds.", Buckets: prometheus.DefBuckets,
		}),

		CandidatesScoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "scoring", Name: "candidates_scored_total",
			Help: "Total candidates scored.",
		}),

		CandidateScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sbhd", Subsystem: "scoring", Name: "score_distribution",
			Help: "Distribution of combined candidate scores.", Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		DeletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "executor", Name: "deletions_total",
			Help: "Total deletion attempts, by outcome (succeeded, failed).",
		}, []string{"outcome"}),

		BytesFreedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "executor", Name: "bytes_freed_total",
			Help: "Cumulative bytes freed by successful deletions.",
		}),

		VetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "executor", Name: "vetoes_total",
			Help: "Total pre-flight vetoes, by reason.",
		}, []string{"reason"}),

		CircuitOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "executor", Name: "circuit_open_total",
			Help: "Total times the executor's circuit breaker tripped open.",
		}),

		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "executor", Name: "circuit_state",
			Help: "Current circuit breaker state (0=Closed,1=Open,2=HalfOpen).",
		}),

		BallastPresentFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "ballast", Name: "present_files",
			Help: "Current count of present ballast files, per mount.",
		}, []string{"mount"}),

		BallastReleasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "ballast", Name: "released_total",
			Help: "Total ballast files released.",
		}),

		BallastReplenishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "ballast", Name: "replenished_total",
			Help: "Total ballast files replenished.",
		}),

		LoggerEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "logger", Name: "events_dropped_total",
			Help: "Total activity events dropped (channel overflow or all sinks failed).",
		}),

		LoggerDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "logger", Name: "degraded",
			Help: "1 if the dual logger has demoted below its primary dual-sink mode.",
		}),

		LoggerSQLiteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbhd", Subsystem: "logger", Name: "sqlite_failures_total",
			Help: "Total failed SQLite insert attempts by the dual activity logger.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbhd", Subsystem: "agent", Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.PressureFreePercent,
		m.PressureLevel,
		m.ForecastSecondsToExhaust,
		m.ForecastConfidence,
		m.ScansTotal,
		m.ScanDurationSeconds,
		m.CandidatesScoredTotal,
		m.CandidateScoreHistogram,
		m.DeletionsTotal,
		m.BytesFreedTotal,
		m.VetoesTotal,
		m.CircuitOpenTotal,
		m.CircuitState,
		m.BallastPresentFiles,
		m.BallastReleasedTotal,
		m.BallastReplenishedTotal,
		m.LoggerEventsDroppedTotal,
		m.LoggerDegraded,
		m.LoggerSQLiteFailuresTotal,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
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

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
