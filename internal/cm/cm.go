// Package cm establishes a connected message endpoint pair through
// connection management events and exchanges one message over it, waiting on
// completion queue readiness descriptors instead of spinning.
//
// The server listens on a passive endpoint, accepts one connect request, and
// receives. The client resolves the server, connects, and sends.
package cm

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/poll"
	"github.com/rocketbitz/fabtests-go/internal/session"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

const (
	// Message is sent by the client, terminated by a NUL byte on the wire.
	Message = "Hello World!"
	// CQDepth is the depth of both completion queues.
	CQDepth = 512
	// DefaultBufferSize is the registered buffer size when none is given.
	DefaultBufferSize = 64
	// TestName labels metrics and spans.
	TestName = "msg_epoll"
)

// Forever disables event and completion deadlines.
const Forever time.Duration = -1

var wireMessage = append([]byte(Message), 0)

// Hints returns the connected-endpoint capabilities the exchange needs.
func Hints() fabric.Hints {
	return fabric.Hints{
		EndpointType: fabric.EndpointMsg,
		Caps:         fabric.CapMsg,
		Mode:         fabric.ModeLocalMR,
		AddrFormat:   fabric.AddrFormatSockaddr,
	}
}

// Options configures a Server or Client.
type Options struct {
	// Hints defaults to Hints(). Node, Service and Source are filled from the
	// address fields.
	Hints fabric.Hints

	DestAddr string
	DestPort string
	SrcAddr  string
	SrcPort  string

	BufferSize int
	// Timeout bounds every event queue read and readiness wait. Zero waits
	// forever.
	Timeout time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
	Tracer  telemetry.Tracer
}

func (o Options) withDefaults() Options {
	if o.Hints.EndpointType == fabric.EndpointUnspec {
		h := Hints()
		h.Provider, h.Fabric, h.Domain = o.Hints.Provider, o.Hints.Fabric, o.Hints.Domain
		o.Hints = h
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Timeout == 0 {
		o.Timeout = Forever
	}
	if o.Logger == nil {
		o.Logger = telemetry.NopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NopTracer{}
	}
	return o
}

func (o Options) validate() error {
	if o.BufferSize < len(wireMessage) {
		return fmt.Errorf("cm: buffer size %d below message size %d: %w", o.BufferSize, len(wireMessage), fabric.ErrInvalidConfig)
	}
	return nil
}

func attrs(provider string, role session.Role) map[string]string {
	return map[string]string{
		telemetry.LabelProvider:     provider,
		telemetry.LabelEndpointType: fabric.EndpointMsg.String(),
		telemetry.LabelRole:         role.String(),
		telemetry.LabelTest:         TestName,
	}
}

// Conn is one side of an established connection.
type Conn struct {
	Role   session.Role
	Domain fabric.Domain
	TxCQ   fabric.CompletionQueue
	RxCQ   fabric.CompletionQueue
	Region fabric.MemoryRegion
	EP     fabric.Endpoint

	state  State
	poller *poll.Poller
	opts   Options
	attrs  map[string]string
	stack  session.Stack
}

// openConn builds the active endpoint for info and binds it to eq. Every
// acquired resource is pushed to c.stack, so the caller releases a partially
// built Conn with c.release.
func openConn(c *Conn, fab fabric.Fabric, info fabric.Info, eq fabric.EventQueue) error {
	var err error
	if c.Domain, err = fab.OpenDomain(info); err != nil {
		return err
	}
	c.stack.Push("domain", c.Domain.Close)

	attr := fabric.CompletionQueueAttr{Size: CQDepth, Wait: fabric.WaitFD}
	if c.TxCQ, err = c.Domain.OpenCompletionQueue(attr); err != nil {
		return err
	}
	c.stack.Push("txcq", c.TxCQ.Close)
	if c.RxCQ, err = c.Domain.OpenCompletionQueue(attr); err != nil {
		return err
	}
	c.stack.Push("rxcq", c.RxCQ.Close)

	if c.poller, err = poll.New(); err != nil {
		return err
	}
	c.stack.Push("epoll", c.poller.Close)
	for _, q := range []struct {
		cq fabric.CompletionQueue
		id poll.QueueID
	}{{c.TxCQ, poll.QueueTx}, {c.RxCQ, poll.QueueRx}} {
		fd, err := q.cq.WaitFD()
		if err != nil {
			return err
		}
		if err := c.poller.Add(fd, q.id); err != nil {
			return err
		}
	}

	if c.Region, err = c.Domain.RegisterMemory(c.opts.BufferSize, fabric.RegisterOptions{}); err != nil {
		return err
	}
	c.stack.Push("mr", c.Region.Close)

	if c.EP, err = c.Domain.OpenEndpoint(info); err != nil {
		return err
	}
	c.stack.Push("ep", c.EP.Close)

	if err = c.EP.BindEventQueue(eq); err != nil {
		return err
	}
	if err = c.EP.BindCompletionQueue(c.TxCQ, fabric.BindSend); err != nil {
		return err
	}
	if err = c.EP.BindCompletionQueue(c.RxCQ, fabric.BindRecv); err != nil {
		return err
	}
	return c.EP.Enable()
}

// waitConnected blocks for the connected event of ep on eq.
func waitConnected(eq fabric.EventQueue, ep fabric.Endpoint, timeout time.Duration) error {
	ev, err := eq.Read(timeout)
	if err != nil {
		return err
	}
	if ev.Type != fabric.EventConnected || ev.FID != ep.ID() {
		if ev.Info != nil {
			ev.Info.Free()
		}
		return fmt.Errorf("fi_eq_sread: unexpected CM event %s: %w", ev.Type, fabric.ErrProtocol)
	}
	return nil
}

// State reports the connection state.
func (c *Conn) State() State {
	return c.state
}

// Exchange moves Message from the client to the server. The client returns
// the text it sent, the server the text it received.
func (c *Conn) Exchange() (text string, err error) {
	span := c.opts.Tracer.StartSpan("cm.exchange", telemetry.Attr("role", c.Role.String()))
	defer func() { span.End(err) }()
	if c.state != Connected {
		return "", fmt.Errorf("cm: exchange in state %s: %w", c.state, fabric.ErrnoBadState)
	}
	c.opts.Metrics.RunStarted(c.attrs)
	defer func() {
		if err != nil {
			c.opts.Metrics.RunFailed(err, c.attrs)
		}
	}()

	start := time.Now()
	buf := c.Region.Bytes()
	if c.Role == session.Initiator {
		c.opts.Logger.Infow("Posting a send...")
		copy(buf, wireMessage)
		if err = c.EP.Send(c.Region, len(wireMessage), fabric.HandleUnspec); err != nil {
			return "", err
		}
		if err = c.await(poll.QueueTx, c.TxCQ); err != nil {
			return "", err
		}
		c.opts.Logger.Infow("Send completion received")
		text = Message
	} else {
		c.opts.Logger.Infow("Posting a recv...")
		if err = c.EP.Recv(c.Region, len(buf), fabric.HandleUnspec); err != nil {
			return "", err
		}
		c.opts.Logger.Infow("Waiting for client...")
		if err = c.await(poll.QueueRx, c.RxCQ); err != nil {
			return "", err
		}
		text = string(buf)
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			text = string(buf[:i])
		}
		c.opts.Logger.Infow("Received data from client", "data", text)
	}
	c.opts.Metrics.RunCompleted(time.Since(start), 1, c.attrs)
	return text, nil
}

// await waits for readiness and then reads one entry from cq. A wakeup for
// another queue is logged and the read proceeds on cq anyway.
func (c *Conn) await(want poll.QueueID, cq fabric.CompletionQueue) error {
	got, err := c.poller.WaitTimeout(c.opts.Timeout)
	if err != nil {
		return err
	}
	if got != want {
		c.opts.Logger.Warnw("unexpected event", "want", want.String(), "got", got.String())
	}
	_, err = cq.SyncRead(c.opts.Timeout)
	if errors.Is(err, fabric.ErrCompletionAvailable) {
		ce, rerr := cq.ReadError()
		if rerr != nil {
			return fabric.Wrap("fi_cq_readerr", rerr)
		}
		ce.Queue = want.String()
		c.opts.Metrics.CompletionError(ce.Queue, ce, c.attrs)
		c.opts.Logger.Errorw("completion error", "queue", ce.Queue, "op", ce.Op.String(), "errno", int(ce.Errno), "prov_errno", ce.ProviderErr, "msg", ce.Msg)
		return ce
	}
	return err
}

// Close shuts the connection down and releases its resources.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	if c.state == Connected && c.EP != nil {
		err = fabric.Wrap("fi_shutdown", c.EP.Shutdown())
		c.state = Idle
	}
	return multierr.Append(err, c.release())
}

func (c *Conn) release() error {
	err := c.stack.Close()
	if err != nil {
		c.opts.Logger.Warnw("connection close", "role", c.Role.String(), "error", err)
	}
	return err
}
