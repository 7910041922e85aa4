package keygate

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer using Prometheus metrics.
// This is useful if you're already using Prometheus for monitoring.
//
// Example:
//
//	observer := keygate.NewPrometheusObserver("my_service", prometheus.DefaultRegisterer)
//	mw, _ := keygate.New(store, keygate.WithObserver(observer))
type PrometheusObserver struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	executionTime   *prometheus.HistogramVec
	leaseAttempts   *prometheus.CounterVec
	cleanupRemoved  prometheus.Counter
	cleanupDuration prometheus.Histogram
}

// NewPrometheusObserver creates a Prometheus observer with the given namespace.
// All metrics will be prefixed with "{namespace}_keygate_".
//
// Example:
//
//	observer := NewPrometheusObserver("myapp", prometheus.DefaultRegisterer)
//	// Creates metrics like: myapp_keygate_request_duration_seconds
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "keygate"
	}

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of keyed request processing in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "requests_total",
			Help:      "Total keyed requests by resolution",
		},
		[]string{"result", "replayed"},
	)

	executionTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "execution_time_seconds",
			Help:      "Handler wall-clock time for fresh executions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	leaseAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "lease_attempts_total",
			Help:      "Total lease acquisition attempts",
		},
		[]string{"acquired"},
	)

	cleanupRemoved := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "cleanup_removed_total",
			Help:      "Total expired records removed by sweeps",
		},
	)

	cleanupDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keygate",
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of expiry sweeps in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Register all metrics
	registerer.MustRegister(
		requestDuration,
		requestsTotal,
		executionTime,
		leaseAttempts,
		cleanupRemoved,
		cleanupDuration,
	)

	return &PrometheusObserver{
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
		executionTime:   executionTime,
		leaseAttempts:   leaseAttempts,
		cleanupRemoved:  cleanupRemoved,
		cleanupDuration: cleanupDuration,
	}
}

func (o *PrometheusObserver) OnRequestStart(ctx context.Context, event *RequestStartEvent) {
	// Nothing to do on start for Prometheus
}

func (o *PrometheusObserver) OnRequestEnd(ctx context.Context, event *RequestEndEvent) {
	replayed := "false"
	if event.Replayed {
		replayed = "true"
	}
	o.requestsTotal.WithLabelValues(event.Result, replayed).Inc()
	o.requestDuration.WithLabelValues(event.Result).Observe(event.Duration.Seconds())

	if event.ExecutionTimeMS >= 0 && !event.Replayed {
		o.executionTime.WithLabelValues(event.Result).Observe(float64(event.ExecutionTimeMS) / 1000)
	}
}

func (o *PrometheusObserver) OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent) {
	acquired := "false"
	if event.Acquired {
		acquired = "true"
	}
	o.leaseAttempts.WithLabelValues(acquired).Inc()
}

func (o *PrometheusObserver) OnCleanup(ctx context.Context, event *CleanupEvent) {
	o.cleanupRemoved.Add(float64(event.Removed))
	o.cleanupDuration.Observe(event.Duration.Seconds())
}
