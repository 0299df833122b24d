package cm

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

// Client connects to a listening Server.
type Client struct {
	ID uuid.UUID

	provider fabric.Provider
	opts     Options
	state    State
}

// NewClient returns an idle client for provider.
func NewClient(provider fabric.Provider, opts Options) *Client {
	return &Client{ID: uuid.New(), provider: provider, opts: opts.withDefaults()}
}

// State reports the client state.
func (cl *Client) State() State {
	return cl.state
}

// Connect resolves the destination, connects, and waits until the server
// accepts. The returned Conn owns every resource, including the fabric.
func (cl *Client) Connect() (conn *Conn, err error) {
	span := cl.opts.Tracer.StartSpan("cm.connect")
	defer func() { span.End(err) }()
	if cl.state != Idle {
		return nil, fmt.Errorf("cm: connect in state %s: %w", cl.state, fabric.ErrnoBadState)
	}
	if err = cl.opts.validate(); err != nil {
		cl.state = Failed
		return nil, err
	}

	c := &Conn{
		Role:  session.Initiator,
		opts:  cl.opts,
		attrs: attrs(cl.provider.Name(), session.Initiator),
	}
	cl.state = Connecting
	if err = cl.connect(c); err != nil {
		cl.state = Failed
		cl.opts.Logger.Errorw("connect failed", "run_id", cl.ID.String(), "error", err)
		return nil, multierr.Append(err, c.release())
	}
	cl.state = Connected
	c.state = Connected
	cl.opts.Metrics.HandshakeCompleted(c.attrs)
	cl.opts.Logger.Debugw("connected", "run_id", cl.ID.String(), "dest", cl.opts.DestAddr, "port", cl.opts.DestPort)
	return c, nil
}

func (cl *Client) connect(c *Conn) error {
	hints := cl.opts.Hints
	hints.Node = cl.opts.DestAddr
	hints.Service = cl.opts.DestPort
	hints.Source = false

	info, err := cl.provider.GetInfo(hints)
	if err != nil {
		return err
	}
	c.stack.Push("info", func() error { info.Free(); return nil })

	fab, err := cl.provider.OpenFabric(info)
	if err != nil {
		return err
	}
	c.stack.Push("fabric", fab.Close)

	eq, err := fab.OpenEventQueue(fabric.EventQueueAttr{Wait: fabric.WaitFD})
	if err != nil {
		return err
	}
	c.stack.Push("eq", eq.Close)

	if err = openConn(c, fab, info, eq); err != nil {
		return err
	}
	if err = c.EP.Connect(info.DestAddr()); err != nil {
		return err
	}
	return waitConnected(eq, c.EP, cl.opts.Timeout)
}
