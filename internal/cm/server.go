package cm

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

// Server listens on a passive endpoint and accepts one connection.
type Server struct {
	ID       uuid.UUID
	Info     fabric.Info
	Fabric   fabric.Fabric
	EQ       fabric.EventQueue
	Listener fabric.PassiveEndpoint

	provider fabric.Provider
	opts     Options
	state    State
	stack    session.Stack
}

// NewServer returns an idle server for provider.
func NewServer(provider fabric.Provider, opts Options) *Server {
	return &Server{ID: uuid.New(), provider: provider, opts: opts.withDefaults()}
}

// State reports the server state.
func (s *Server) State() State {
	return s.state
}

// Addr is the listening address.
func (s *Server) Addr() (fabric.Address, error) {
	if s.Listener == nil {
		return nil, fmt.Errorf("cm: server not listening: %w", fabric.ErrnoBadState)
	}
	return s.Listener.Name()
}

// Listen resolves the local source address and starts listening for
// connect requests.
func (s *Server) Listen() error {
	if s.state != Idle {
		return fmt.Errorf("cm: listen in state %s: %w", s.state, fabric.ErrnoBadState)
	}
	if err := s.opts.validate(); err != nil {
		s.state = Failed
		return err
	}
	if err := s.listen(); err != nil {
		s.state = Failed
		s.opts.Logger.Errorw("listen failed", "run_id", s.ID.String(), "error", err)
		return multierr.Append(err, s.stack.Close())
	}
	s.state = Listening
	s.opts.Logger.Debugw("listening", "run_id", s.ID.String(), "port", s.opts.SrcPort)
	return nil
}

func (s *Server) listen() error {
	hints := s.opts.Hints
	hints.Node = s.opts.SrcAddr
	hints.Service = s.opts.SrcPort
	hints.Source = true

	info, err := s.provider.GetInfo(hints)
	if err != nil {
		return err
	}
	s.Info = info
	s.stack.Push("info", func() error { info.Free(); return nil })

	if s.Fabric, err = s.provider.OpenFabric(info); err != nil {
		return err
	}
	s.stack.Push("fabric", s.Fabric.Close)

	if s.Listener, err = s.Fabric.OpenPassiveEndpoint(info); err != nil {
		return err
	}
	s.stack.Push("pep", s.Listener.Close)

	if s.EQ, err = s.Fabric.OpenEventQueue(fabric.EventQueueAttr{Wait: fabric.WaitFD}); err != nil {
		return err
	}
	s.stack.Push("eq", s.EQ.Close)

	if err = s.Listener.BindEventQueue(s.EQ); err != nil {
		return err
	}
	return s.Listener.Listen()
}

// Accept waits for one connect request and completes the connection. When
// anything fails after the request arrived, the request is rejected and its
// descriptor freed before the partial connection is released.
func (s *Server) Accept() (conn *Conn, err error) {
	span := s.opts.Tracer.StartSpan("cm.accept")
	defer func() { span.End(err) }()
	if s.state != Listening {
		return nil, fmt.Errorf("cm: accept in state %s: %w", s.state, fabric.ErrnoBadState)
	}

	ev, err := s.EQ.Read(s.opts.Timeout)
	if err != nil {
		s.state = Failed
		return nil, err
	}
	if ev.Type != fabric.EventConnReq {
		s.state = Failed
		if ev.Info != nil {
			ev.Info.Free()
		}
		return nil, fmt.Errorf("fi_eq_sread: unexpected CM event %s: %w", ev.Type, fabric.ErrProtocol)
	}
	s.state = ConnectRequestReceived
	span.AddEvent("connreq")
	req := ev.Info

	c := &Conn{
		Role:  session.Responder,
		opts:  s.opts,
		attrs: attrs(s.provider.Name(), session.Responder),
	}
	if err = s.accept(c, req); err != nil {
		s.state = Failed
		s.opts.Logger.Errorw("accept failed", "run_id", s.ID.String(), "error", err)
		if rerr := s.Listener.Reject(req); rerr != nil {
			err = multierr.Append(err, fabric.Wrap("fi_reject", rerr))
		}
		req.Free()
		return nil, multierr.Append(err, c.release())
	}
	req.Free()

	s.state = Connected
	c.state = Connected
	s.opts.Metrics.HandshakeCompleted(c.attrs)
	s.opts.Logger.Debugw("connection accepted", "run_id", s.ID.String())
	return c, nil
}

func (s *Server) accept(c *Conn, req fabric.Info) error {
	if err := openConn(c, s.Fabric, req, s.EQ); err != nil {
		return err
	}
	if err := c.EP.Accept(); err != nil {
		return err
	}
	s.state = Accepting
	return waitConnected(s.EQ, c.EP, s.opts.Timeout)
}

// Close releases the listener. Accepted connections must be closed first.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	err := s.stack.Close()
	if err != nil {
		s.opts.Logger.Warnw("server close", "run_id", s.ID.String(), "error", err)
	}
	s.state = Idle
	return err
}

