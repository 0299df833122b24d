// Package trigger demonstrates deferred RMA writes: the initiator submits a
// write that the provider holds until a completion counter reaches a
// threshold, then issues an ordinary write whose completion releases it. The
// responder never posts anything; it watches its remote-write counter and
// checks that the deferred write landed last.
package trigger

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

// RemoteKey is the registration key both peers use. Remote writes always
// target offset 0 of the region registered under it.
const RemoteKey uint64 = 45678

const (
	Text1 = "Hello1 from Client!"
	Text2 = "Hello2 from Client!"
)

// BufferSize holds both messages back to back.
const BufferSize = len(Text1) + len(Text2)

// Forever makes counter waits block without a deadline.
const Forever time.Duration = -1

// Hints returns the capabilities triggered writes need.
func Hints() fabric.Hints {
	return fabric.Hints{
		EndpointType: fabric.EndpointRDM,
		Caps:         fabric.CapMsg | fabric.CapRMA | fabric.CapRMAEvent | fabric.CapTrigger,
		Mode:         fabric.ModeContext | fabric.ModeLocalMR,
		MRMode:       fabric.MRModeScalable,
	}
}

// SessionOptions returns the session layout: completion counters and a
// remotely writable buffer under RemoteKey. No completion queues are opened.
func SessionOptions() session.Options {
	return session.Options{
		Hints:    Hints(),
		Counters: true,
		Buffer: session.BufferOptions{
			Size:   BufferSize,
			Access: fabric.AccessWrite | fabric.AccessRemoteWrite,
			Key:    RemoteKey,
		},
	}
}

// Engine runs the triggered write test on a session opened with
// SessionOptions.
type Engine struct {
	s       *session.Session
	timeout time.Duration
}

// New returns an engine that waits on counters for at most timeout; Forever
// disables the deadline.
func New(s *session.Session, timeout time.Duration) *Engine {
	return &Engine{s: s, timeout: timeout}
}

// Write submits one single-segment write of size bytes starting at offset in
// the local buffer to offset 0 of the peer's RemoteKey region. cond decides
// whether the provider issues it now or holds it for a counter threshold.
func (e *Engine) Write(offset, size int, cond fabric.Condition) error {
	if cond == nil {
		cond = fabric.Immediate{}
	}
	return e.s.Endpoint.Write(fabric.WriteRequest{
		Region:     e.s.Region,
		Offset:     offset,
		Length:     size,
		Dest:       e.s.Peer,
		Key:        RemoteKey,
		RemoteAddr: 0,
		Condition:  cond,
	})
}

// WriteTriggered defers a write until counter reaches threshold.
func (e *Engine) WriteTriggered(offset, size int, counter fabric.Counter, threshold uint64) error {
	return e.Write(offset, size, fabric.Threshold{Counter: counter, Value: threshold})
}

// Run dispatches on the session role.
func (e *Engine) Run() error {
	if e.s.Initiator() {
		return e.RunInitiator()
	}
	return e.RunResponder()
}

// RunInitiator inserts the destination, then writes Text2 gated on the
// transmit counter reaching one and Text1 immediately, and waits for both
// writes to complete.
func (e *Engine) RunInitiator() (err error) {
	span := e.s.Tracer.StartSpan("trigger.initiator")
	defer func() { span.End(err) }()
	attrs := e.s.Attrs()
	e.s.Metrics.RunStarted(attrs)
	defer func() {
		if err != nil {
			e.s.Metrics.RunFailed(err, attrs)
		}
	}()

	if !e.s.HasPeer {
		if _, err = e.s.InsertPeer(e.s.PeerAddr); err != nil {
			return err
		}
	}

	buf := e.s.Region.Bytes()
	start := time.Now()
	copy(buf, Text1)
	copy(buf[len(Text1):], Text2)

	e.s.Logger.Infow("Triggered RMA write to server")
	if err = e.WriteTriggered(len(Text1), len(Text2), e.s.TxCounter, 1); err != nil {
		return err
	}
	span.AddEvent("triggered write posted")

	e.s.Logger.Infow("RMA write to server")
	if err = e.Write(0, len(Text1), fabric.Immediate{}); err != nil {
		return err
	}

	if err = e.wait(e.s.TxCounter, 2); err != nil {
		return err
	}
	e.s.Logger.Infow("Received completion events for RMA write operations")
	e.s.Metrics.RunCompleted(time.Since(start), 2, attrs)
	return nil
}

// RunResponder waits for two remote writes and checks the buffer holds Text2,
// which proves the held write was issued after the immediate one.
func (e *Engine) RunResponder() (err error) {
	span := e.s.Tracer.StartSpan("trigger.responder")
	defer func() { span.End(err) }()
	attrs := e.s.Attrs()
	e.s.Metrics.RunStarted(attrs)
	defer func() {
		if err != nil {
			e.s.Metrics.RunFailed(err, attrs)
		}
	}()

	start := time.Now()
	if err = e.wait(e.s.RxCounter, 2); err != nil {
		return err
	}
	buf := e.s.Region.Bytes()
	e.s.Logger.Infow("Received data from Client", "data", string(bytes.TrimRight(buf, "\x00")))
	if !bytes.HasPrefix(buf, []byte(Text2)) {
		e.s.Logger.Errorw("*** Data corruption", "want", Text2, "got", string(buf[:len(Text2)]))
		return fmt.Errorf("trigger: buffer does not start with %q: %w", Text2, fabric.ErrDataCorruption)
	}
	e.s.Logger.Infow("Data check OK")
	e.s.Metrics.RunCompleted(time.Since(start), 2, attrs)
	return nil
}

func (e *Engine) wait(c fabric.Counter, threshold uint64) error {
	start := time.Now()
	err := c.Wait(threshold, e.timeout)
	e.s.Metrics.CounterWaited(time.Since(start), e.s.Attrs())
	return err
}
