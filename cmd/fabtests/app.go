package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/fabtests-go/internal/config"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

const tracerName = "github.com/rocketbitz/fabtests-go/cmd/fabtests"

type providerFunc func() (fabric.Provider, error)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	stdout      io.Writer
	stderr      io.Writer
	argv        []string
	newProvider providerFunc

	configPath string
	cfg        config.Config

	logger  *zap.SugaredLogger
	metrics telemetry.MetricHook
	tracer  telemetry.Tracer
	flush   []func() error
}

// run executes one command line and returns the process exit status.
func run(args []string, stdout, stderr io.Writer, newProvider providerFunc) int {
	a := &app{
		stdout:      stdout,
		stderr:      stderr,
		argv:        append([]string{"fabtests"}, args...),
		newProvider: newProvider,
		cfg:         config.Default(),
		metrics:     telemetry.NopMetrics{},
		tracer:      telemetry.NopTracer{},
	}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	err = multierr.Append(err, a.close())
	if err == nil {
		return 0
	}
	code := fabric.ExitCode(err)
	if a.logger != nil {
		a.logger.Errorw("test failed", "error", err, "exit_code", code)
		_ = a.logger.Sync()
	} else {
		fmt.Fprintf(stderr, "fabtests: %v\n", err)
	}
	return code
}

// setup builds the logger, metric backend, and tracer from the resolved
// configuration.
func (a *app) setup() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(a.cfg.Log.Level, a.cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("%v: %w", err, fabric.ErrInvalidConfig)
	}
	a.logger = logger

	switch a.cfg.Metrics.Backend {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		m, err := telemetry.NewPrometheusMetrics(telemetry.PrometheusMetricsOptions{
			Registerer:  reg,
			ConstLabels: prometheus.Labels{"pid": strconv.Itoa(os.Getpid())},
		})
		if err != nil {
			return err
		}
		a.metrics = m
		if path := a.cfg.Metrics.File; path != "" {
			a.flush = append(a.flush, func() error { return telemetry.WriteTextfile(path, reg) })
		}
	case config.MetricsOTel:
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		m, err := telemetry.NewOTelMetrics(telemetry.OTelMetricsOptions{MeterProvider: mp})
		if err != nil {
			return err
		}
		a.metrics = m
		a.flush = append(a.flush,
			func() error { return a.dumpSummaries(reader) },
			func() error { return mp.Shutdown(context.Background()) },
		)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(telemetry.NewSpanLogger(logger)))
	a.tracer = telemetry.NewOTelTracer(tp.Tracer(tracerName))
	a.flush = append(a.flush, func() error { return tp.Shutdown(context.Background()) })
	return nil
}

// dumpSummaries writes the OpenTelemetry totals as YAML to the metrics file,
// or logs them when no file is configured.
func (a *app) dumpSummaries(reader sdkmetric.Reader) error {
	summaries, err := telemetry.CollectSummaries(context.Background(), reader)
	if err != nil {
		return err
	}
	path := a.cfg.Metrics.File
	if path == "" {
		for _, s := range summaries {
			a.logger.Infow("metric", "name", s.Name, "value", s.Value)
		}
		return nil
	}
	doc := make(map[string]float64, len(summaries))
	for _, s := range summaries {
		doc[s.Name] = s.Value
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (a *app) close() error {
	var err error
	for _, fn := range a.flush {
		err = multierr.Append(err, fn())
	}
	a.flush = nil
	return err
}

func (a *app) provider() (fabric.Provider, error) {
	p, err := a.newProvider()
	if err != nil {
		return nil, err
	}
	a.logger.Debugw("provider ready", "provider", p.Name())
	return p, nil
}

// timeout converts the configured deadline; zero waits forever.
func (a *app) timeout() time.Duration {
	if a.cfg.Timeout == 0 {
		return -1
	}
	return a.cfg.Timeout
}
