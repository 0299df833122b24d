package fabrictest

import (
	"fmt"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type addressVector struct {
	net     *Network
	entries []fabric.Address
	closed  bool
}

func (a *addressVector) Insert(addr fabric.Address) (fabric.Handle, error) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	if a.closed {
		return fabric.HandleUnspec, fabric.Wrap("fi_av_insert", fabric.ErrnoBadState)
	}
	if len(addr) == 0 {
		return fabric.HandleUnspec, fabric.Wrap("fi_av_insert", fabric.ErrnoInval)
	}
	if a.net.failInsert {
		a.net.failInsert = false
		return fabric.HandleUnspec, fmt.Errorf("%w: fi_av_insert: inserted 0 addresses, want 1", fabric.ErrProtocol)
	}
	a.entries = append(a.entries, append(fabric.Address(nil), addr...))
	return fabric.Handle(len(a.entries) - 1), nil
}

func (a *addressVector) lookupLocked(h fabric.Handle) (fabric.Address, bool) {
	if a.closed || h == fabric.HandleUnspec || uint64(h) >= uint64(len(a.entries)) {
		return nil, false
	}
	return a.entries[h], true
}

func (a *addressVector) Close() error {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	a.closed = true
	return nil
}

type memoryRegion struct {
	dom    *domain
	buf    []byte
	key    uint64
	access fabric.Access
	closed bool
}

func (m *memoryRegion) Bytes() []byte { return m.buf }

func (m *memoryRegion) Key() uint64 { return m.key }

func (m *memoryRegion) Close() error {
	n := m.dom.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if cur, ok := m.dom.regions[m.key]; ok && cur == m {
		delete(m.dom.regions, m.key)
	}
	return nil
}

type passiveEndpoint struct {
	net       *Network
	id        uintptr
	name      fabric.Address
	eq        *eventQueue
	listening bool
	closed    bool
}

func (p *passiveEndpoint) BindEventQueue(q fabric.EventQueue) error {
	eq, ok := q.(*eventQueue)
	if !ok {
		return fabric.Wrap("fi_pep_bind", fabric.ErrForeignHandle)
	}
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.eq = eq
	return nil
}

func (p *passiveEndpoint) Listen() error {
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if p.eq == nil || p.closed {
		return fabric.Wrap("fi_listen", fabric.ErrnoBadState)
	}
	if _, taken := n.listeners[string(p.name)]; taken {
		return fabric.Wrap("fi_listen", fabric.ErrnoAddrInUse)
	}
	n.listeners[string(p.name)] = p
	p.listening = true
	return nil
}

func (p *passiveEndpoint) Name() (fabric.Address, error) {
	return append(fabric.Address(nil), p.name...), nil
}

func (p *passiveEndpoint) Reject(i fabric.Info) error {
	in, err := asInfo(i)
	if err != nil {
		return fabric.Wrap("fi_reject", err)
	}
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	req := in.connReq
	if req == nil || req.done {
		return fabric.Wrap("fi_reject", fabric.ErrnoBadState)
	}
	req.done = true
	n.pendingConnRq--
	if req.client.eq != nil {
		req.client.eq.pushLocked(eqEntry{err: &fabric.EventError{
			FID:   req.client.id,
			Errno: fabric.ErrnoConnRefused,
			Msg:   "connection rejected by peer",
		}})
	}
	return nil
}

func (p *passiveEndpoint) Close() error {
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.listening {
		delete(n.listeners, string(p.name))
	}
	return nil
}
