package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	attrs := testAttrs()
	metrics.RunStarted(attrs)
	metrics.RunCompleted(time.Millisecond, 2000, attrs)
	metrics.RunCompleted(time.Millisecond, 2000, attrs)
	metrics.RunSkipped(attrs)
	metrics.RunFailed(errors.New("fail"), attrs)
	metrics.CompletionError("txcq", errors.New("boom"), attrs)
	metrics.HandshakeCompleted(attrs)
	metrics.CounterWaited(time.Millisecond, attrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	summaries, err := CollectSummaries(ctx, reader)
	if err != nil {
		t.Fatalf("CollectSummaries: %v", err)
	}

	got := make(map[string]float64, len(summaries))
	for _, s := range summaries {
		got[s.Name] = s.Value
	}
	want := map[string]float64{
		"fabtests.run.started":       1,
		"fabtests.run.completed":     2,
		"fabtests.run.skipped":       1,
		"fabtests.run.failed":        1,
		"fabtests.completion.errors": 1,
		"fabtests.handshakes":        1,
		"fabtests.transfer.latency":  2,
		"fabtests.counter.wait":      1,
	}
	for name, value := range want {
		if got[name] != value {
			t.Fatalf("unexpected value for %s: got %v want %v", name, got[name], value)
		}
	}
	for i := 1; i < len(summaries); i++ {
		if summaries[i-1].Name > summaries[i].Name {
			t.Fatalf("summaries not sorted: %q before %q", summaries[i-1].Name, summaries[i].Name)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
