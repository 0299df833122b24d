// Package session owns the fabric resources of one test run. A Session is
// opened from hints, holds every handle the engines need, and releases them
// in reverse order on Close regardless of how far construction got.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

const (
	// DefaultCQSize is the completion queue depth used when none is given.
	DefaultCQSize = 512
	// MinBufferSize is the smallest registered buffer a grown buffer gets.
	MinBufferSize = 64
)

// Role distinguishes the two peers of a test.
type Role int

const (
	// Responder waits for the peer to reach it.
	Responder Role = iota
	// Initiator knows the destination and speaks first.
	Initiator
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// BufferOptions describes the registered buffer.
type BufferOptions struct {
	Size   int
	Access fabric.Access
	// Key is the requested remote key; zero lets the provider choose.
	Key uint64
	// FitInject grows Size to at least the provider inject limit and
	// MinBufferSize.
	FitInject bool
}

// Options controls Open.
type Options struct {
	// Hints carries the capability requirements. Node, Service, and Source
	// are derived from the address fields below.
	Hints fabric.Hints

	DestAddr string
	DestPort string
	SrcAddr  string
	SrcPort  string

	// CompletionQueues opens a tx and an rx queue bound for send and recv.
	CompletionQueues bool
	CQSize           int
	CQWait           fabric.WaitObj
	// Counters opens a tx counter bound for send and write and an rx counter
	// bound for recv and remote write.
	Counters bool

	Buffer BufferOptions

	Test    string
	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
	Tracer  telemetry.Tracer
}

// Session holds the resources of one endpoint and its peer bookkeeping.
type Session struct {
	ID       uuid.UUID
	Role     Role
	Provider string
	Test     string

	Info      fabric.Info
	Fabric    fabric.Fabric
	Domain    fabric.Domain
	TxCQ      fabric.CompletionQueue
	RxCQ      fabric.CompletionQueue
	TxCounter fabric.Counter
	RxCounter fabric.Counter
	AV        fabric.AddressVector
	Region    fabric.MemoryRegion
	Endpoint  fabric.Endpoint

	// InjectSize is the provider's inline send limit.
	InjectSize int
	// PeerAddr is the destination address resolved by the initiator.
	PeerAddr fabric.Address
	// Peer is the address table entry of the remote endpoint once inserted.
	Peer    fabric.Handle
	HasPeer bool

	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
	Tracer  telemetry.Tracer

	stack Stack
}

// ResolveHints fills the addressing fields of opts.Hints: the destination
// for an initiator, the local source otherwise.
func ResolveHints(opts Options) fabric.Hints {
	hints := opts.Hints
	if opts.DestAddr != "" {
		hints.Node = opts.DestAddr
		hints.Service = opts.DestPort
		hints.Source = false
		return hints
	}
	hints.Node = opts.SrcAddr
	hints.Service = opts.SrcPort
	hints.Source = true
	return hints
}

// Open resolves hints and builds every resource the options ask for. On
// failure everything acquired so far is released.
func Open(provider fabric.Provider, opts Options) (*Session, error) {
	s := &Session{
		ID:       uuid.New(),
		Role:     Responder,
		Provider: provider.Name(),
		Test:     opts.Test,
		Peer:     fabric.HandleUnspec,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer,
	}
	if opts.DestAddr != "" {
		s.Role = Initiator
	}
	if s.Logger == nil {
		s.Logger = telemetry.NopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = telemetry.NopMetrics{}
	}
	if s.Tracer == nil {
		s.Tracer = telemetry.NopTracer{}
	}

	if err := s.open(provider, opts); err != nil {
		s.Logger.Errorw("session open failed", "run_id", s.ID.String(), "role", s.Role.String(), "error", err)
		return nil, multierr.Append(err, s.Close())
	}
	s.Logger.Debugw("session open",
		"run_id", s.ID.String(),
		"role", s.Role.String(),
		"provider", s.Info.Provider(),
		"fabric", s.Info.Fabric(),
		"domain", s.Info.Domain(),
		"inject_size", s.InjectSize,
		"buffer_size", len(s.Region.Bytes()),
	)
	return s, nil
}

func (s *Session) open(provider fabric.Provider, opts Options) error {
	info, err := provider.GetInfo(ResolveHints(opts))
	if err != nil {
		return err
	}
	s.Info = info
	s.stack.Push("info", func() error { info.Free(); return nil })
	s.InjectSize = info.InjectSize()
	if s.Role == Initiator {
		s.PeerAddr = info.DestAddr()
	}

	if s.Fabric, err = provider.OpenFabric(info); err != nil {
		return err
	}
	s.stack.Push("fabric", s.Fabric.Close)

	if s.Domain, err = s.Fabric.OpenDomain(info); err != nil {
		return err
	}
	s.stack.Push("domain", s.Domain.Close)

	if opts.CompletionQueues {
		size := opts.CQSize
		if size <= 0 {
			size = DefaultCQSize
		}
		attr := fabric.CompletionQueueAttr{Size: size, Wait: opts.CQWait}
		if s.TxCQ, err = s.Domain.OpenCompletionQueue(attr); err != nil {
			return err
		}
		s.stack.Push("txcq", s.TxCQ.Close)
		if s.RxCQ, err = s.Domain.OpenCompletionQueue(attr); err != nil {
			return err
		}
		s.stack.Push("rxcq", s.RxCQ.Close)
	}

	if opts.Counters {
		if s.TxCounter, err = s.Domain.OpenCounter(fabric.CounterAttr{Wait: fabric.WaitUnspec}); err != nil {
			return err
		}
		s.stack.Push("txcntr", s.TxCounter.Close)
		if s.RxCounter, err = s.Domain.OpenCounter(fabric.CounterAttr{Wait: fabric.WaitUnspec}); err != nil {
			return err
		}
		s.stack.Push("rxcntr", s.RxCounter.Close)
	}

	size := opts.Buffer.Size
	if opts.Buffer.FitInject {
		size = max(size, MinBufferSize, s.InjectSize)
	}
	if size <= 0 {
		return fmt.Errorf("session: buffer size %d: %w", size, fabric.ErrInvalidConfig)
	}
	if s.Region, err = s.Domain.RegisterMemory(size, fabric.RegisterOptions{
		Access: opts.Buffer.Access,
		Key:    opts.Buffer.Key,
	}); err != nil {
		return err
	}
	s.stack.Push("mr", s.Region.Close)

	if info.EndpointType() == fabric.EndpointRDM {
		avType := info.AVType()
		if avType == fabric.AVUnspec {
			avType = fabric.AVMap
		}
		if s.AV, err = s.Domain.OpenAddressVector(fabric.AddressVectorAttr{Type: avType, Count: 1}); err != nil {
			return err
		}
		s.stack.Push("av", s.AV.Close)
	}

	if s.Endpoint, err = s.Domain.OpenEndpoint(info); err != nil {
		return err
	}
	s.stack.Push("ep", s.Endpoint.Close)

	return s.bindAndEnable()
}

func (s *Session) bindAndEnable() error {
	ep := s.Endpoint
	if s.AV != nil {
		if err := ep.BindAddressVector(s.AV); err != nil {
			return err
		}
	}
	if s.TxCQ != nil {
		if err := ep.BindCompletionQueue(s.TxCQ, fabric.BindSend); err != nil {
			return err
		}
	}
	if s.RxCQ != nil {
		if err := ep.BindCompletionQueue(s.RxCQ, fabric.BindRecv); err != nil {
			return err
		}
	}
	if s.TxCounter != nil {
		if err := ep.BindCounter(s.TxCounter, fabric.BindSend|fabric.BindWrite); err != nil {
			return err
		}
	}
	if s.RxCounter != nil {
		if err := ep.BindCounter(s.RxCounter, fabric.BindRecv|fabric.BindRemoteWrite); err != nil {
			return err
		}
	}
	return ep.Enable()
}

// Initiator reports whether this side was given a destination.
func (s *Session) Initiator() bool {
	return s.Role == Initiator
}

// InsertPeer adds addr to the address vector and records the entry as the
// session peer. A session holds exactly one peer entry.
func (s *Session) InsertPeer(addr fabric.Address) (fabric.Handle, error) {
	if s.AV == nil {
		return fabric.HandleUnspec, fabric.Wrap("fi_av_insert", fabric.ErrnoNoAV)
	}
	if s.HasPeer {
		return fabric.HandleUnspec, fmt.Errorf("%w: peer already inserted", fabric.ErrProtocol)
	}
	h, err := s.AV.Insert(addr)
	if err != nil {
		return fabric.HandleUnspec, err
	}
	s.Peer = h
	s.HasPeer = true
	return h, nil
}

// Attrs returns the metric labels describing the session.
func (s *Session) Attrs() map[string]string {
	attrs := map[string]string{
		telemetry.LabelProvider: s.Provider,
		telemetry.LabelRole:     s.Role.String(),
	}
	if s.Info != nil {
		attrs[telemetry.LabelEndpointType] = s.Info.EndpointType().String()
	}
	if s.Test != "" {
		attrs[telemetry.LabelTest] = s.Test
	}
	return attrs
}

// Close releases every resource in reverse acquisition order. It is safe to
// call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	err := s.stack.Close()
	if err != nil {
		s.Logger.Warnw("session close", "run_id", s.ID.String(), "error", err)
	}
	return err
}
