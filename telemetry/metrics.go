// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup, and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Routing counters
	RouteMoves           prometheus.Counter
	RouteDisconnects     prometheus.Counter
	RouteRefusedCooldown prometheus.Counter
	RouteRefusedLocked   prometheus.Counter
	Reconnects           prometheus.Counter

	// Capture counters
	PipelinesStarted   prometheus.Counter
	PipelinesFinalized prometheus.Counter
	PipelinesDiscarded prometheus.Counter
	PipelineErrors     prometheus.Counter
	AlertsFired        prometheus.Counter

	// Transcription
	TranscriptionsSucceeded prometheus.Counter
	TranscriptionsFailed    prometheus.Counter
	TranscriptionDuration   prometheus.Observer

	// Artifacts
	ArtifactsSwept  prometheus.Counter
	ArtifactsLeaked prometheus.Counter

	// Gauges
	ActiveSessionsGauge  prometheus.Gauge
	ActivePipelinesGauge prometheus.Gauge
	CircuitOpenGauge     prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RouteMoves = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_route_moves_total", Help: "Number of executed join/move operations"})
		RouteDisconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_route_disconnects_total", Help: "Number of executed voice disconnects"})
		RouteRefusedCooldown = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_route_refused_cooldown_total", Help: "Route executions refused by the move cooldown"})
		RouteRefusedLocked = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_route_refused_locked_total", Help: "Route evaluations dropped while the route lock was held"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_reconnects_total", Help: "Reconnect attempts after unexpected disconnects"})
		PipelinesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_pipelines_started_total", Help: "Speaker capture pipelines started"})
		PipelinesFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_pipelines_finalized_total", Help: "Speaker capture pipelines finalized"})
		PipelinesDiscarded = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_pipelines_discarded_total", Help: "Pipelines whose artifact was below the minimum size"})
		PipelineErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_pipeline_errors_total", Help: "Pipelines aborted by decode or stream errors"})
		AlertsFired = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_loudness_alerts_total", Help: "Loudness moderation alerts fired"})
		TranscriptionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_transcriptions_succeeded_total", Help: "Successful transcriptions"})
		TranscriptionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_transcriptions_failed_total", Help: "Failed transcriptions"})
		TranscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vw_transcription_duration_seconds", Help: "Convert+transcribe duration seconds", Buckets: prometheus.DefBuckets})
		ArtifactsSwept = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_artifacts_swept_total", Help: "Stale temp artifacts deleted by the sweep"})
		ArtifactsLeaked = promauto.NewCounter(prometheus.CounterOpts{Name: "vw_artifacts_leaked_total", Help: "Temp artifacts abandoned after forced deletion failed"})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vw_active_sessions", Help: "Groups with a live voice session record"})
		ActivePipelinesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vw_active_pipelines", Help: "Currently running speaker capture pipelines"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vw_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetActiveSessions records the current session count.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetActivePipelines records the current pipeline count.
func SetActivePipelines(n int) {
	if ActivePipelinesGauge != nil {
		ActivePipelinesGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
