package telemetry

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const instrumentationName = "github.com/rocketbitz/fabtests-go"

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter           metric.Meter
	runStarted      metric.Int64Counter
	runCompleted    metric.Int64Counter
	runSkipped      metric.Int64Counter
	runFailed       metric.Int64Counter
	completionError metric.Int64Counter
	handshakes      metric.Int64Counter
	transferLatency metric.Float64Histogram
	counterWait     metric.Float64Histogram
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = instrumentationName
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	var err error
	if o.runStarted, err = meter.Int64Counter("fabtests.run.started"); err != nil {
		return nil, err
	}
	if o.runCompleted, err = meter.Int64Counter("fabtests.run.completed"); err != nil {
		return nil, err
	}
	if o.runSkipped, err = meter.Int64Counter("fabtests.run.skipped"); err != nil {
		return nil, err
	}
	if o.runFailed, err = meter.Int64Counter("fabtests.run.failed"); err != nil {
		return nil, err
	}
	if o.completionError, err = meter.Int64Counter("fabtests.completion.errors"); err != nil {
		return nil, err
	}
	if o.handshakes, err = meter.Int64Counter("fabtests.handshakes"); err != nil {
		return nil, err
	}
	if o.transferLatency, err = meter.Float64Histogram("fabtests.transfer.latency", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.counterWait, err = meter.Float64Histogram("fabtests.counter.wait", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return o, nil
}

// RunStarted records the start of a sized run.
func (o *OTelMetrics) RunStarted(attrs map[string]string) {
	o.runStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, LabelTest)...))
}

// RunCompleted records a completed run and its mean transfer latency.
func (o *OTelMetrics) RunCompleted(elapsed time.Duration, transfers int, attrs map[string]string) {
	set := metric.WithAttributes(otelAttrs(attrs, LabelTest)...)
	o.runCompleted.Add(context.Background(), 1, set)
	if transfers > 0 {
		o.transferLatency.Record(context.Background(), elapsed.Seconds()/float64(transfers), set)
	}
}

func (o *OTelMetrics) RunSkipped(attrs map[string]string) {
	o.runSkipped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, LabelTest)...))
}

func (o *OTelMetrics) RunFailed(_ error, attrs map[string]string) {
	o.runFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, LabelTest)...))
}

// CompletionError counts completion queue error entries.
func (o *OTelMetrics) CompletionError(queue string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(LabelQueue, queue))
	o.completionError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTelMetrics) HandshakeCompleted(attrs map[string]string) {
	o.handshakes.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) CounterWaited(elapsed time.Duration, attrs map[string]string) {
	o.counterWait.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string, extra ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(LabelProvider, attrs[LabelProvider]),
		attribute.String(LabelEndpointType, attrs[LabelEndpointType]),
	}
	if v := attrs[LabelRole]; v != "" {
		kvs = append(kvs, attribute.String(LabelRole, v))
	}
	for _, key := range extra {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}

// MetricSummary is the aggregated value of one instrument.
type MetricSummary struct {
	Name  string
	Value float64
}

// CollectSummaries reads every instrument from reader and sums data points
// per instrument: counter values for sums, observation counts for
// histograms. The result is sorted by name.
func CollectSummaries(ctx context.Context, reader sdkmetric.Reader) ([]MetricSummary, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var out []MetricSummary
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			var total float64
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					total += float64(dp.Count)
				}
			default:
				continue
			}
			out = append(out, MetricSummary{Name: m.Name, Value: total})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
