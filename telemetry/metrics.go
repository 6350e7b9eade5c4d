// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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

	// Counters
	SessionTransitions *prometheus.CounterVec // from, to
	PollsTotal         *prometheus.CounterVec // result
	RateLimitWaits     *prometheus.CounterVec // scope
	CaptureStarts      *prometheus.CounterVec // quality
	CaptureStalls      prometheus.Counter
	CaptureForcedKills prometheus.Counter
	ChatEvents         *prometheus.CounterVec // kind
	ChatDuplicates     prometheus.Counter
	ChatReconnects     prometheus.Counter
	OverlaysFailed     prometheus.Counter
	EventsDropped      prometheus.Counter
	SessionRestarts    prometheus.Counter

	// Histograms (seconds)
	RecordingDuration prometheus.Observer
	OverlayDuration   prometheus.Observer

	// Gauges
	SessionsByState *prometheus.GaugeVec // state
	ActiveEncodes   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_session_transitions_total", Help: "Session state transitions"}, []string{"from", "to"})
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_polls_total", Help: "Live status polls by result"}, []string{"result"})
		RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_ratelimit_waits_total", Help: "Calls that had to wait for a rate budget"}, []string{"scope"})
		CaptureStarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_capture_starts_total", Help: "Capture processes started by actual quality"}, []string{"quality"})
		CaptureStalls = promauto.NewCounter(prometheus.CounterOpts{Name: "live_capture_stalls_total", Help: "Captures stopped because output stopped growing"})
		CaptureForcedKills = promauto.NewCounter(prometheus.CounterOpts{Name: "live_capture_forced_kills_total", Help: "Captures killed after the graceful stop timeout"})
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_chat_events_total", Help: "Chat events ingested by kind"}, []string{"kind"})
		ChatDuplicates = promauto.NewCounter(prometheus.CounterOpts{Name: "live_chat_duplicates_total", Help: "Chat events dropped as duplicates"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "live_chat_reconnects_total", Help: "Chat feed reconnect attempts"})
		OverlaysFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_overlays_failed_total", Help: "Overlay burn-in failures"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "live_lifecycle_events_dropped_total", Help: "Lifecycle events dropped because the consumer was slow"})
		SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "live_session_restarts_total", Help: "Sessions relaunched after a transient failure"})
		RecordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_recording_duration_seconds", Help: "Recording duration seconds", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400}})
		OverlayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_overlay_duration_seconds", Help: "Overlay burn-in duration seconds", Buckets: prometheus.DefBuckets})
		SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "live_sessions", Help: "Current sessions by state"}, []string{"state"})
		ActiveEncodes = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_active_encodes", Help: "Overlay encodes currently running"})
	})
}

// RecordTransition moves one session from one state gauge to another.
// An empty from records a new session entering the gauge without counting a
// transition.
func RecordTransition(from, to string) {
	if SessionTransitions != nil && from != "" {
		SessionTransitions.WithLabelValues(from, to).Inc()
	}
	if SessionsByState != nil {
		if from != "" {
			SessionsByState.WithLabelValues(from).Dec()
		}
		SessionsByState.WithLabelValues(to).Inc()
	}
}

// LeaveState removes a finished session from the state gauge.
func LeaveState(state string) {
	if SessionsByState != nil {
		SessionsByState.WithLabelValues(state).Dec()
	}
}

// IncVec increments a labelled counter if metrics are initialized.
func IncVec(c *prometheus.CounterVec, label string) {
	if c != nil {
		c.WithLabelValues(label).Inc()
	}
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddEncodes adjusts the active encode gauge.
func AddEncodes(n int) {
	if ActiveEncodes != nil {
		ActiveEncodes.Add(float64(n))
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
