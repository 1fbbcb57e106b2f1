package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder abstracts pipeline instrumentation so observability is
// optional and pluggable rather than a mandatory dependency on Prometheus.
type MetricsRecorder interface {
	// QueueDepth reports the current number of buffered entries on a
	// stage's output channel.
	QueueDepth(stage string, depth int)

	// WorkersActive reports the number of a stage's workers that have
	// started and not yet terminated, including those blocked on Get/Put.
	WorkersActive(stage string, n int)

	// ErrorsObserved reports n more ERR markers emitted by a stage's
	// workers; it is called with n=1 each time a worker fails or relays an
	// upstream failure.
	ErrorsObserved(stage string, n int)
}

// NopRecorder discards every observation. It is the zero-value default so a
// Pipeline never pays for instrumentation unless a caller asks for it.
type NopRecorder struct{}

func (NopRecorder) QueueDepth(string, int)     {}
func (NopRecorder) WorkersActive(string, int)  {}
func (NopRecorder) ErrorsObserved(string, int) {}

// PrometheusRecorder records pipeline instrumentation as Prometheus
// collectors, labeled by stage name, registered via promauto so they attach
// to the default registry the moment the recorder is built.
type PrometheusRecorder struct {
	queueDepth    *prometheus.GaugeVec
	workersActive *prometheus.GaugeVec
	errorsTotal   *prometheus.CounterVec
}

// NewPrometheusRecorder builds a PrometheusRecorder whose collectors share
// the given namespace, e.g. "myapp" yields "myapp_pipeline_queue_depth".
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	return &PrometheusRecorder{
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Number of entries currently buffered on a stage's output channel.",
		}, []string{"stage"}),
		workersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "workers_active",
			Help:      "Number of a stage's workers started and not yet terminated.",
		}, []string{"stage"}),
		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Cumulative count of ERR markers emitted by a stage's workers.",
		}, []string{"stage"}),
	}
}

func (r *PrometheusRecorder) QueueDepth(stage string, depth int) {
	r.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

func (r *PrometheusRecorder) WorkersActive(stage string, n int) {
	r.workersActive.WithLabelValues(stage).Set(float64(n))
}

func (r *PrometheusRecorder) ErrorsObserved(stage string, n int) {
	r.errorsTotal.WithLabelValues(stage).Add(float64(n))
}
