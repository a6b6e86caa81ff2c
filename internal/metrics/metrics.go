package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evdetect/internal/pipeline"
)

// Metrics holds the client's counters
type Metrics struct {
	// Request counters
	Requests  atomic.Uint64
	Failures  atomic.Uint64
	Stale     atomic.Uint64
	LatencyMs atomic.Uint64 // Last request latency in ms

	// Result counters
	Emergency atomic.Uint64
	Regular   atomic.Uint64

	AlertsFired atomic.Uint64

	failuresByKind *prometheus.CounterVec
	streamStats    atomic.Pointer[func() pipeline.SchedulerStats]

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		failuresByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evdetect_request_failures_by_kind_total",
			Help: "Failed detection requests by error kind",
		}, []string{"kind"}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.failuresByKind)

	// Request metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_requests_total",
			Help: "Total detection requests sent",
		},
		func() float64 { return float64(m.Requests.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_request_failures_total",
			Help: "Total failed detection requests",
		},
		func() float64 { return float64(m.Failures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_stale_responses_total",
			Help: "Responses discarded because the session was reset or switched",
		},
		func() float64 { return float64(m.Stale.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_request_latency_ms",
			Help: "Latency of the last detection request in milliseconds",
		},
		func() float64 { return float64(m.LatencyMs.Load()) },
	))

	// Result metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_emergency_detections_total",
			Help: "Results classified as emergency vehicles",
		},
		func() float64 { return float64(m.Emergency.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_regular_detections_total",
			Help: "Results classified as regular vehicles or no vehicle",
		},
		func() float64 { return float64(m.Regular.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_alerts_total",
			Help: "Emergency alert cues attempted",
		},
		func() float64 { return float64(m.AlertsFired.Load()) },
	))

	// Stream scheduler metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_stream_ticks_total",
			Help: "Stream scheduler ticks",
		},
		func() float64 { return float64(m.schedulerStats().Ticks) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_stream_ticks_skipped_total",
			Help: "Stream ticks skipped because a request was in flight",
		},
		func() float64 { return float64(m.schedulerStats().Skipped) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evdetect_streaming_active",
			Help: "Streaming active (0=inactive, 1=active)",
		},
		func() float64 {
			if m.schedulerStats().Running {
				return 1
			}
			return 0
		},
	))
}

// TrackScheduler exposes scheduler counters through the registry
func (m *Metrics) TrackScheduler(stats func() pipeline.SchedulerStats) {
	m.streamStats.Store(&stats)
}

func (m *Metrics) schedulerStats() pipeline.SchedulerStats {
	if fn := m.streamStats.Load(); fn != nil {
		return (*fn)()
	}
	return pipeline.SchedulerStats{}
}

// ObserveRequest records the outcome of one detection request
func (m *Metrics) ObserveRequest(elapsed time.Duration, err error) {
	m.Requests.Add(1)
	m.LatencyMs.Store(uint64(elapsed.Milliseconds()))
	if err == nil {
		return
	}
	m.Failures.Add(1)
	kind := pipeline.KindOf(err)
	if kind == "" {
		kind = "unknown"
	}
	m.failuresByKind.WithLabelValues(string(kind)).Inc()
}

// ObserveStale counts a response discarded because the session moved on
func (m *Metrics) ObserveStale() {
	m.Stale.Add(1)
}

// AlertFired counts one alert cue
func (m *Metrics) AlertFired() {
	m.AlertsFired.Add(1)
}

// OnDetectionResult implements pipeline.DetectionResultHandler
func (m *Metrics) OnDetectionResult(_ context.Context, result *pipeline.DetectionResult) {
	if result.IsEmergency() {
		m.Emergency.Add(1)
		return
	}
	m.Regular.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics until ctx is cancelled
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ pipeline.DetectionResultHandler = (*Metrics)(nil)
