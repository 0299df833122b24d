package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewOTelTracer adapts an OpenTelemetry tracer to Tracer.
func NewOTelTracer(tracer trace.Tracer) Tracer {
	return &otelTracerAdapter{tracer: tracer}
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...Attribute) Span {
	if o == nil || o.tracer == nil {
		return nopSpan{}
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(toAttributes(attrs)...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, toAttribute(attr))
	}
	return out
}

func toAttribute(attr Attribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int32:
		return attribute.Int(attr.Key, int(v))
	case int64:
		return attribute.Int64(attr.Key, v)
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case float64:
		return attribute.Float64(attr.Key, v)
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}

// SpanLogger is a span processor that writes every ended span to a logger.
type SpanLogger struct {
	logger Logger
}

var _ sdktrace.SpanProcessor = (*SpanLogger)(nil)

// NewSpanLogger returns a processor logging ended spans at debug level, or at
// error level when the span recorded a failure.
func NewSpanLogger(logger Logger) *SpanLogger {
	if logger == nil {
		logger = NopLogger()
	}
	return &SpanLogger{logger: logger}
}

func (p *SpanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *SpanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	kv := []any{
		"span", s.Name(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"events", len(s.Events()),
	}
	for _, a := range s.Attributes() {
		kv = append(kv, string(a.Key), a.Value.Emit())
	}
	if st := s.Status(); st.Code == codes.Error {
		p.logger.Errorw("span ended", append(kv, "error", st.Description)...)
		return
	}
	p.logger.Debugw("span ended", kv...)
}

func (p *SpanLogger) Shutdown(context.Context) error { return nil }

func (p *SpanLogger) ForceFlush(context.Context) error { return nil }
