package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the upscaler
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted         prometheus.Counter
	jobsFinished        *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	stageTransitions    *prometheus.CounterVec
	activeJobs          prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	eventsDelivered     *prometheus.CounterVec
	sinkFailures        *prometheus.CounterVec
	modelLoads          *prometheus.CounterVec
	modelLoadDuration   prometheus.Histogram
	upscaleDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors under namespace
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of upscale jobs started",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of upscale jobs that reached a terminal stage",
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to terminal stage",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of stage changes by target stage",
		}, []string{"stage"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of jobs currently being processed",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Number of open progress subscriptions",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Total number of events written to subscribers",
		}, []string{"kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Total number of failed stage event publications",
		}, []string{"sink"}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Total number of model loads by scale and result",
		}, []string{"scale", "result"}),
		modelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Time spent preparing an upscaling model",
			Buckets:   prometheus.DefBuckets,
		}),
		upscaleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upscale_duration_seconds",
			Help:      "Time spent in the processing stage",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"scale"}),
	}

	m.registry.MustRegister(
		m.jobsStarted,
		m.jobsFinished,
		m.jobDuration,
		m.stageTransitions,
		m.activeJobs,
		m.activeSubscriptions,
		m.eventsDelivered,
		m.sinkFailures,
		m.modelLoads,
		m.modelLoadDuration,
		m.upscaleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordJobStarted counts a new job and marks it active
func (m *Metrics) RecordJobStarted() {
	m.jobsStarted.Inc()
	m.activeJobs.Inc()
}

// RecordJobFinished records the terminal stage and total duration of a job
func (m *Metrics) RecordJobFinished(stage string, duration time.Duration) {
	m.jobsFinished.WithLabelValues(stage).Inc()
	m.jobDuration.WithLabelValues(stage).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordStageTransition counts a stage change
func (m *Metrics) RecordStageTransition(stage string) {
	m.stageTransitions.WithLabelValues(stage).Inc()
}

// IncrementActiveSubscriptions increments the open subscriptions gauge
func (m *Metrics) IncrementActiveSubscriptions() {
	m.activeSubscriptions.Inc()
}

// DecrementActiveSubscriptions decrements the open subscriptions gauge
func (m *Metrics) DecrementActiveSubscriptions() {
	m.activeSubscriptions.Dec()
}

// RecordEventDelivered counts an event written to a subscriber
func (m *Metrics) RecordEventDelivered(kind string) {
	m.eventsDelivered.WithLabelValues(kind).Inc()
}

// RecordSinkFailure counts a failed publication to an external sink
func (m *Metrics) RecordSinkFailure(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// RecordModelLoad records a model preparation attempt
func (m *Metrics) RecordModelLoad(scale int, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.modelLoads.WithLabelValues(strconv.Itoa(scale), result).Inc()
	m.modelLoadDuration.Observe(duration.Seconds())
}

// RecordUpscaleDuration records the time spent transforming one image
func (m *Metrics) RecordUpscaleDuration(scale int, duration time.Duration) {
	m.upscaleDuration.WithLabelValues(strconv.Itoa(scale)).Observe(duration.Seconds())
}

// StartMetricsServer serves /metrics on addr until ctx is cancelled
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
