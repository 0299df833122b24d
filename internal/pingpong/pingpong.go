// Package pingpong measures round-trip latency of inline sends between two
// reliable-datagram endpoints. Sends are injected, so they complete without a
// transmit completion; receives are detected by polling the receive queue and
// re-posted as soon as they complete.
package pingpong

import (
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/rocketbitz/fabtests-go/internal/addrx"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/perf"
	"github.com/rocketbitz/fabtests-go/internal/session"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

const (
	// SyncSize is the message length of the synchronization exchange.
	SyncSize = 16
	// XfersPerIter counts the transfers in one iteration: a send and its
	// echo.
	XfersPerIter = 2
	// DefaultSize and DefaultIterations apply when nothing is configured.
	DefaultSize       = 64
	DefaultIterations = 1000
)

var finMessage = []byte("fin\x00")

// ErrSizeTooLarge is reported at startup when an explicitly requested size
// cannot be injected.
var ErrSizeTooLarge = fmt.Errorf("msg size greater than max inject size: %w", fabric.ErrInvalidSize)

// Hints returns the capabilities the engine needs.
func Hints() fabric.Hints {
	return fabric.Hints{
		EndpointType: fabric.EndpointRDM,
		Caps:         fabric.CapMsg,
		Mode:         fabric.ModeContext | fabric.ModeLocalMR,
	}
}

// Options configures an Engine.
type Options struct {
	// Name overrides the generated "<size>_lat" test name.
	Name     string
	Reporter perf.Reporter
}

// Engine drives the ping-pong over an opened session whose peer has been
// exchanged.
type Engine struct {
	s        *session.Session
	opts     Options
	tx       []byte
	rxLength int
}

// New returns an engine for s.
func New(s *session.Session, opts Options) *Engine {
	return &Engine{
		s:        s,
		opts:     opts,
		tx:       make([]byte, max(s.InjectSize, len(finMessage), SyncSize)),
		rxLength: len(s.Region.Bytes()),
	}
}

// MaxInject is the provider's inline send limit.
func (e *Engine) MaxInject() int {
	return e.s.InjectSize
}

// CheckSize rejects an explicitly configured size the provider cannot inject.
func (e *Engine) CheckSize(size int) error {
	if size > e.s.InjectSize {
		return ErrSizeTooLarge
	}
	return nil
}

// Name returns the test name for a run of size bytes.
func (e *Engine) Name(size int) string {
	if e.opts.Name != "" {
		return e.opts.Name
	}
	return bytefmt.ByteSize(uint64(size)) + "_lat"
}

// Send injects size bytes to the peer.
func (e *Engine) Send(size int) error {
	if size > e.s.InjectSize {
		return fmt.Errorf("fi_inject: send of %d bytes exceeds inject size %d: %w", size, e.s.InjectSize, fabric.ErrInvalidSize)
	}
	return e.s.Endpoint.Inject(e.tx[:size], e.s.Peer)
}

// Receive spins on the receive queue until one entry arrives and then posts
// the next receive.
func (e *Engine) Receive(int) error {
	for {
		_, err := e.s.RxCQ.Read()
		if err == nil {
			break
		}
		if errors.Is(err, fabric.ErrNotReady) {
			continue
		}
		if errors.Is(err, fabric.ErrCompletionAvailable) {
			ce, rerr := e.s.RxCQ.ReadError()
			if rerr != nil {
				return fabric.Wrap("fi_cq_readerr", rerr)
			}
			ce.Queue = "rxcq"
			e.s.Metrics.CompletionError("rxcq", ce, e.s.Attrs())
			e.s.Logger.Errorw("completion error", "queue", "rxcq", "op", ce.Op.String(), "errno", int(ce.Errno), "prov_errno", ce.ProviderErr, "msg", ce.Msg)
			return ce
		}
		return fabric.Wrap("fi_cq_read", err)
	}
	return e.s.Endpoint.Recv(e.s.Region, e.rxLength, e.s.Peer)
}

// Sync exchanges one SyncSize message in each direction, initiator first.
func (e *Engine) Sync() error {
	return e.exchange(SyncSize)
}

func (e *Engine) exchange(size int) error {
	if e.s.Initiator() {
		if err := e.Send(size); err != nil {
			return err
		}
		return e.Receive(size)
	}
	if err := e.Receive(size); err != nil {
		return err
	}
	return e.Send(size)
}

// Result is one measured run.
type Result struct {
	Name       string
	Size       int
	Iterations int
	Elapsed    time.Duration
	Multiplier int
	// Skipped is set when the size exceeded the inject limit and nothing was
	// measured.
	Skipped bool
}

// Latency is the mean duration of one iteration.
func (r Result) Latency() time.Duration {
	if r.Iterations == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Iterations)
}

// Transfers is the number of messages moved in the timed loop.
func (r Result) Transfers() int {
	return r.Multiplier * r.Iterations
}

// Record converts the result for reporting.
func (r Result) Record() perf.Record {
	return perf.Record{
		Name:         r.Name,
		Size:         r.Size,
		Iterations:   r.Iterations,
		XfersPerIter: r.Multiplier,
		Elapsed:      r.Elapsed,
	}
}

// Run synchronizes with the peer and times iterations round trips of size
// bytes. A size above the inject limit is skipped without error.
func (e *Engine) Run(size, iterations int) (res Result, err error) {
	res = Result{Name: e.Name(size), Size: size, Iterations: iterations, Multiplier: XfersPerIter}
	attrs := e.s.Attrs()
	attrs[telemetry.LabelTest] = res.Name

	if size > e.s.InjectSize {
		res.Skipped = true
		e.s.Metrics.RunSkipped(attrs)
		e.s.Logger.Debugw("run skipped", "test", res.Name, "size", size, "inject_size", e.s.InjectSize)
		return res, nil
	}

	span := e.s.Tracer.StartSpan("pingpong.run", telemetry.Attr("test", res.Name), telemetry.Attr("size", size), telemetry.Attr("iterations", iterations))
	defer func() { span.End(err) }()
	e.s.Metrics.RunStarted(attrs)
	defer func() {
		if err != nil {
			e.s.Metrics.RunFailed(err, attrs)
		}
	}()

	if err = e.Sync(); err != nil {
		return res, err
	}
	span.AddEvent("synced")

	start := time.Now()
	for i := 0; i < iterations; i++ {
		if err = e.exchange(size); err != nil {
			return res, err
		}
	}
	res.Elapsed = time.Since(start)

	e.s.Metrics.RunCompleted(res.Elapsed, res.Transfers(), attrs)
	e.s.Logger.Debugw("run complete", "test", res.Name, "size", size, "iterations", iterations, "elapsed", res.Elapsed)
	if e.opts.Reporter != nil {
		if err = e.opts.Reporter.Report(res.Record()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Sweep runs each size in turn and stops at the first failure.
func (e *Engine) Sweep(sizes []int, iterations int) ([]Result, error) {
	results := make([]Result, 0, len(sizes))
	for _, size := range sizes {
		res, err := e.Run(size, iterations)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Finalize exchanges a short "fin" message in the sync direction so neither
// peer tears down while the other still has traffic in flight.
func (e *Engine) Finalize() error {
	copy(e.tx, finMessage)
	return e.exchange(len(finMessage))
}

// Config describes a complete ping-pong test.
type Config struct {
	// Size is the explicit transfer size. Zero sweeps the size table.
	Size       int
	Iterations int
	Level      Level
	Options
}

// RunTest performs the address exchange, the configured runs, and the final
// exchange on s.
func RunTest(s *session.Session, cfg Config) ([]Result, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.Level == 0 {
		cfg.Level = LevelQuick
	}
	e := New(s, cfg.Options)
	if cfg.Size > 0 {
		if err := e.CheckSize(cfg.Size); err != nil {
			return nil, err
		}
	}

	if err := addrx.Exchange(s); err != nil {
		return nil, err
	}

	var (
		results []Result
		err     error
	)
	if cfg.Size > 0 {
		var res Result
		res, err = e.Run(cfg.Size, cfg.Iterations)
		results = append(results, res)
	} else {
		results, err = e.Sweep(Sizes(cfg.Level), cfg.Iterations)
	}
	if err != nil {
		return results, err
	}
	return results, e.Finalize()
}

// SessionOptions returns the session layout the engine runs on: transmit and
// receive queues and a receive buffer large enough for any injectable
// message.
func SessionOptions(size int) session.Options {
	hints := Hints()
	hints.InjectSize = size
	if size <= 0 {
		hints.InjectSize = DefaultSize
	}
	return session.Options{
		Hints:            hints,
		CompletionQueues: true,
		Buffer: session.BufferOptions{
			Size:      size,
			Access:    fabric.AccessSend | fabric.AccessRecv,
			FitInject: true,
		},
	}
}
