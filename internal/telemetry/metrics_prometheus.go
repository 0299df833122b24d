package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters and
// histograms.
type PrometheusMetrics struct {
	runStarted      *prometheus.CounterVec
	runCompleted    *prometheus.CounterVec
	runSkipped      *prometheus.CounterVec
	runFailed       *prometheus.CounterVec
	completionError *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
	transferLatency *prometheus.HistogramVec
	counterWait     *prometheus.HistogramVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// collectors registered on opts.Registerer.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		runStarted:      counter("fabtests_run_started_total", "Number of test runs started", runLabelKeys),
		runCompleted:    counter("fabtests_run_completed_total", "Number of test runs that completed", runLabelKeys),
		runSkipped:      counter("fabtests_run_skipped_total", "Number of test runs skipped because the size exceeds the inject limit", runLabelKeys),
		runFailed:       counter("fabtests_run_failed_total", "Number of test runs that failed", runLabelKeys),
		completionError: counter("fabtests_completion_errors_total", "Number of completion queue error entries read", queueLabelKeys),
		handshakes:      counter("fabtests_handshakes_total", "Number of completed address exchanges and connection setups", sessionLabelKeys),
		transferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "fabtests_transfer_latency_seconds",
			Help:        "Mean latency of one transfer per completed run",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-7, 4, 12),
		}, runLabelKeys),
		counterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "fabtests_counter_wait_seconds",
			Help:        "Time spent blocked on completion counters",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}, sessionLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.runStarted, &p.runCompleted, &p.runSkipped, &p.runFailed, &p.completionError, &p.handshakes,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	if p.transferLatency, err = registerHistogramVec(reg, p.transferLatency); err != nil {
		return nil, err
	}
	if p.counterWait, err = registerHistogramVec(reg, p.counterWait); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	sessionLabelKeys = []string{LabelProvider, LabelEndpointType, LabelRole}
	runLabelKeys     = []string{LabelProvider, LabelEndpointType, LabelRole, LabelTest}
	queueLabelKeys   = []string{LabelProvider, LabelEndpointType, LabelRole, LabelQueue}
)

func (p *PrometheusMetrics) RunStarted(attrs map[string]string) {
	p.runStarted.With(labels(attrs, runLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RunCompleted(elapsed time.Duration, transfers int, attrs map[string]string) {
	labs := labels(attrs, runLabelKeys...)
	p.runCompleted.With(labs).Inc()
	if transfers > 0 {
		p.transferLatency.With(labs).Observe(elapsed.Seconds() / float64(transfers))
	}
}

func (p *PrometheusMetrics) RunSkipped(attrs map[string]string) {
	p.runSkipped.With(labels(attrs, runLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RunFailed(_ error, attrs map[string]string) {
	p.runFailed.With(labels(attrs, runLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionError(queue string, _ error, attrs map[string]string) {
	labs := labels(attrs, queueLabelKeys...)
	labs[LabelQueue] = queue
	p.completionError.With(labs).Inc()
}

func (p *PrometheusMetrics) HandshakeCompleted(attrs map[string]string) {
	p.handshakes.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CounterWaited(elapsed time.Duration, attrs map[string]string) {
	p.counterWait.With(labels(attrs, sessionLabelKeys...)).Observe(elapsed.Seconds())
}

// WriteTextfile dumps every metric gathered by g to path in the text
// exposition format, for batch runs scraped by a node exporter.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
