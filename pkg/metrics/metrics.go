package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal is the current container count by lifecycle state
	// (default/prepared/created/started/frozen/destroyed).
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "softwarecontainer_containers_total",
			Help: "Current number of containers by lifecycle state",
		},
		[]string{"state"},
	)

	// ContainersCreatedTotal counts every CreateContainer call that
	// succeeded, whether served from the preload pool or constructed fresh.
	ContainersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softwarecontainer_containers_created_total",
			Help: "Total containers created, by source",
		},
		[]string{"source"}, // "preloaded" or "fresh"
	)

	// ContainersDestroyedTotal counts every ShutdownContainer call.
	ContainersDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softwarecontainer_containers_destroyed_total",
			Help: "Total containers destroyed",
		},
	)

	// PreloadPoolSize is the current depth of the preload pool.
	PreloadPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "softwarecontainer_preload_pool_size",
			Help: "Current number of Prepared containers sitting in the preload pool",
		},
	)

	// GatewaysActivatedTotal counts successful gateway activations by ID.
	GatewaysActivatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softwarecontainer_gateways_activated_total",
			Help: "Total gateway activations, by gateway ID",
		},
		[]string{"gateway"},
	)

	// GatewayActivationFailuresTotal counts activation failures by ID.
	GatewayActivationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softwarecontainer_gateway_activation_failures_total",
			Help: "Total gateway activation failures, by gateway ID",
		},
		[]string{"gateway"},
	)

	// JobsRunning is the current count of launched processes that have
	// not yet reported exit.
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "softwarecontainer_jobs_running",
			Help: "Current number of launched processes awaiting exit",
		},
	)

	// JobsLaunchedTotal counts every successful Launch call.
	JobsLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softwarecontainer_jobs_launched_total",
			Help: "Total processes launched across all containers",
		},
	)

	// ContainerCreateDuration times initialize+create for a fresh
	// (non-preloaded) container.
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "softwarecontainer_container_create_duration_seconds",
			Help:    "Time to initialize and create a container",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GatewayActivationDuration times one Set.ActivateAll call.
	GatewayActivationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "softwarecontainer_gateway_activation_duration_seconds",
			Help:    "Time to activate a container's full gateway set",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPCRequestsTotal counts requests to the D-Bus RPC surface by method
	// and outcome.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softwarecontainer_rpc_requests_total",
			Help: "Total RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// RPCRequestDuration times RPC method handling.
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "softwarecontainer_rpc_request_duration_seconds",
			Help:    "RPC request duration by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainersCreatedTotal)
	prometheus.MustRegister(ContainersDestroyedTotal)
	prometheus.MustRegister(PreloadPoolSize)
	prometheus.MustRegister(GatewaysActivatedTotal)
	prometheus.MustRegister(GatewayActivationFailuresTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsLaunchedTotal)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(GatewayActivationDuration)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
