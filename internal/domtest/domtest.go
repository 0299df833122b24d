// Package domtest opens and closes a number of access domains on one fabric
// to check that a provider supports several concurrent domains.
package domtest

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

// TestName labels metrics and spans.
const TestName = "dom_test"

// Options selects the fabric and the domain count.
type Options struct {
	Provider string
	Fabric   string
	// Domains is the number of domains to open. It must be at least 1.
	Domains int

	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
	Tracer  telemetry.Tracer
}

// Failure is one failed open or close. Index is the domain number, or -1 for
// calls on the fabric itself.
type Failure struct {
	Index int
	Op    string
	Err   error
}

func (f Failure) Error() string {
	if f.Index < 0 {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("%s num %d: %v", f.Op, f.Index, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report summarizes a run.
type Report struct {
	Opened   int
	Closed   int
	Failures []Failure
}

// Err combines the failures, nil when there are none.
func (r Report) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// Run resolves a descriptor accepting every mode, opens the fabric, opens
// Domains domains, closes them all, and closes the fabric. Opening stops at
// the first failure; domains that were opened are still closed.
func Run(provider fabric.Provider, opts Options) (rep Report, err error) {
	if opts.Domains < 1 {
		return rep, fmt.Errorf("domtest: domain count %d: %w", opts.Domains, fabric.ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NopTracer{}
	}
	attrs := map[string]string{
		telemetry.LabelTest:     TestName,
		telemetry.LabelProvider: provider.Name(),
		telemetry.LabelRole:     "local",
	}

	span := opts.Tracer.StartSpan("domtest.run", telemetry.Attr("domains", opts.Domains))
	defer func() { span.End(err) }()
	opts.Metrics.RunStarted(attrs)
	start := time.Now()

	rep = run(provider, opts)
	if err = rep.Err(); err != nil {
		opts.Metrics.RunFailed(err, attrs)
		opts.Logger.Errorw("domain test failed", "opened", rep.Opened, "closed", rep.Closed, "error", err)
		return rep, err
	}
	opts.Metrics.RunCompleted(time.Since(start), rep.Opened, attrs)
	opts.Logger.Infow("domain test passed", "domains", rep.Opened)
	return rep, nil
}

func run(provider fabric.Provider, opts Options) Report {
	var rep Report
	fail := func(i int, op string, err error) {
		rep.Failures = append(rep.Failures, Failure{Index: i, Op: op, Err: err})
	}

	info, err := provider.GetInfo(fabric.Hints{
		Provider: opts.Provider,
		Fabric:   opts.Fabric,
		Mode:     fabric.ModeAll,
		Version:  fabric.Version{Major: 1, Minor: 0},
	})
	if err != nil {
		fail(-1, "fi_getinfo", err)
		return rep
	}
	defer info.Free()

	fab, err := provider.OpenFabric(info)
	if err != nil {
		fail(-1, "fi_fabric", err)
		return rep
	}

	domains := make([]fabric.Domain, 0, opts.Domains)
	for i := 0; i < opts.Domains; i++ {
		d, err := fab.OpenDomain(info)
		if err != nil {
			fail(i, "fi_domain", err)
			break
		}
		domains = append(domains, d)
		rep.Opened++
		opts.Logger.Debugw("domain opened", "num", i)
	}

	for i, d := range domains {
		if err := d.Close(); err != nil {
			fail(i, "fi_close(domain)", err)
			continue
		}
		rep.Closed++
	}

	if err := fab.Close(); err != nil {
		fail(-1, "fi_close(fabric)", err)
	}
	return rep
}
