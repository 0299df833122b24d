// Package telemetry carries the logging, metric, and tracing hooks shared by
// the test engines.
package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// Logger is the structured logging surface the engines write to.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugw(msg string, keyvals ...any)
	Infow(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop().Sugar()
}

// Metric label keys.
const (
	LabelTest         = "test"
	LabelProvider     = "provider"
	LabelEndpointType = "endpoint_type"
	LabelRole         = "role"
	LabelQueue        = "queue"
	LabelStatus       = "status"
)

// MetricHook captures run-level telemetry events.
type MetricHook interface {
	RunStarted(attrs map[string]string)
	RunCompleted(elapsed time.Duration, transfers int, attrs map[string]string)
	RunSkipped(attrs map[string]string)
	RunFailed(err error, attrs map[string]string)
	CompletionError(queue string, err error, attrs map[string]string)
	HandshakeCompleted(attrs map[string]string)
	CounterWaited(elapsed time.Duration, attrs map[string]string)
}

// NopMetrics ignores every event.
type NopMetrics struct{}

var _ MetricHook = NopMetrics{}

func (NopMetrics) RunStarted(map[string]string) {}
func (NopMetrics) RunCompleted(time.Duration, int, map[string]string) {}
func (NopMetrics) RunSkipped(map[string]string) {}
func (NopMetrics) RunFailed(error, map[string]string) {}
func (NopMetrics) CompletionError(string, error, map[string]string) {}
func (NopMetrics) HandshakeCompleted(map[string]string) {}
func (NopMetrics) CounterWaited(time.Duration, map[string]string) {}

// Attribute is a key/value pair attached to spans and span events.
type Attribute struct {
	Key   string
	Value any
}

// Attr builds an Attribute.
func Attr(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// Tracer starts spans around test phases.
type Tracer interface {
	StartSpan(name string, attrs ...Attribute) Span
}

// Span records a phase's events and outcome.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...Attribute)
	RecordError(err error)
}

// NopTracer returns spans that record nothing.
type NopTracer struct{}

func (NopTracer) StartSpan(string, ...Attribute) Span { return nopSpan{} }

type nopSpan struct{}

func (nopSpan) End(error) {}
func (nopSpan) AddEvent(string, ...Attribute) {}
func (nopSpan) RecordError(error) {}
