package fabrictest

import (
	"time"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type entry struct {
	comp fabric.Completion
	err  *fabric.CompletionError
}

type completionQueue struct {
	net     *Network
	wait    fabric.WaitObj
	entries []entry
	readFD  int
	writeFD int
	closed  bool
}

func (q *completionQueue) pushLocked(ent entry) {
	if q.closed {
		return
	}
	q.entries = append(q.entries, ent)
	if q.writeFD >= 0 {
		signalWaitFD(q.writeFD)
	}
}

// popLocked returns the head entry. Error entries stay queued until ReadError.
func (q *completionQueue) popLocked() (fabric.Completion, error) {
	if q.closed {
		return fabric.Completion{}, fabric.Wrap("fi_cq_read", fabric.ErrnoBadState)
	}
	if len(q.entries) == 0 {
		return fabric.Completion{}, fabric.ErrNotReady
	}
	head := q.entries[0]
	if head.err != nil {
		return fabric.Completion{}, fabric.ErrCompletionAvailable
	}
	q.entries = q.entries[1:]
	if q.readFD >= 0 {
		drainWaitFD(q.readFD)
	}
	return head.comp, nil
}

func (q *completionQueue) Read() (fabric.Completion, error) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	return q.popLocked()
}

func (q *completionQueue) ReadError() (*fabric.CompletionError, error) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].err == nil {
		return nil, fabric.ErrNotReady
	}
	ce := *q.entries[0].err
	q.entries = q.entries[1:]
	if q.readFD >= 0 {
		drainWaitFD(q.readFD)
	}
	return &ce, nil
}

func (q *completionQueue) SyncRead(timeout time.Duration) (fabric.Completion, error) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	ok := q.net.waitLocked(timeout, func() bool { return q.closed || len(q.entries) > 0 })
	if !ok {
		return fabric.Completion{}, fabric.Wrap("fi_cq_sread", fabric.ErrTimeout)
	}
	return q.popLocked()
}

func (q *completionQueue) WaitFD() (int, error) {
	if q.wait != fabric.WaitFD {
		return -1, fabric.Wrap("fi_control(FI_GETWAIT)", fabric.ErrUnsupported)
	}
	return q.readFD, nil
}

func (q *completionQueue) Close() error {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.net.cond.Broadcast()
	if q.readFD >= 0 {
		closeWaitFD(q.readFD, q.writeFD)
		q.readFD, q.writeFD = -1, -1
	}
	return nil
}

type counter struct {
	net      *Network
	value    uint64
	errs     uint64
	triggers []*pendingWrite
	closed   bool
}

func (c *counter) Read() uint64 {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.value
}

func (c *counter) ReadErr() uint64 {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.errs
}

func (c *counter) Wait(threshold uint64, timeout time.Duration) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	startErrs := c.errs
	ok := c.net.waitLocked(timeout, func() bool {
		return c.closed || c.value >= threshold || c.errs != startErrs
	})
	switch {
	case !ok:
		return fabric.Wrap("fi_cntr_wait", fabric.ErrTimeout)
	case c.closed:
		return fabric.Wrap("fi_cntr_wait", fabric.ErrnoBadState)
	case c.value >= threshold:
		return nil
	default:
		return fabric.Wrap("fi_cntr_wait", fabric.ErrnoAvail)
	}
}

func (c *counter) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.closed = true
	c.triggers = nil
	c.net.cond.Broadcast()
	return nil
}

type eqEntry struct {
	ev  fabric.Event
	err *fabric.EventError
}

type eventQueue struct {
	net    *Network
	events []eqEntry
	closed bool
}

func (q *eventQueue) pushLocked(ent eqEntry) {
	if q.closed {
		return
	}
	q.events = append(q.events, ent)
	q.net.cond.Broadcast()
}

func (q *eventQueue) Read(timeout time.Duration) (fabric.Event, error) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	ok := q.net.waitLocked(timeout, func() bool { return q.closed || len(q.events) > 0 })
	if !ok {
		return fabric.Event{}, fabric.Wrap("fi_eq_sread", fabric.ErrTimeout)
	}
	if q.closed {
		return fabric.Event{}, fabric.Wrap("fi_eq_sread", fabric.ErrnoBadState)
	}
	head := q.events[0]
	q.events = q.events[1:]
	if head.err != nil {
		ee := *head.err
		return fabric.Event{}, &ee
	}
	return head.ev, nil
}

func (q *eventQueue) Close() error {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	q.closed = true
	q.net.cond.Broadcast()
	return nil
}
