package fabrictest

import (
	"bytes"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type cqBinding struct {
	cq    *completionQueue
	flags fabric.BindFlag
}

type counterBinding struct {
	c     *counter
	flags fabric.BindFlag
}

type postedRecv struct {
	region *memoryRegion
	length int
	src    fabric.Handle
}

type message struct {
	from fabric.Address
	data []byte
}

type endpoint struct {
	net        *Network
	dom        *domain
	id         uintptr
	name       fabric.Address
	epType     fabric.EndpointType
	injectSize int

	cqs      []cqBinding
	counters []counterBinding
	av       *addressVector
	eq       *eventQueue

	enabled    bool
	closed     bool
	posted     []postedRecv
	unexpected []message

	connReq *connRequest
	peer    *endpoint
}

func (e *endpoint) ID() uintptr {
	return e.id
}

func (e *endpoint) BindCompletionQueue(q fabric.CompletionQueue, flags fabric.BindFlag) error {
	cq, ok := q.(*completionQueue)
	if !ok {
		return fabric.Wrap("fi_ep_bind(cq)", fabric.ErrForeignHandle)
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.cqs = append(e.cqs, cqBinding{cq: cq, flags: flags})
	return nil
}

func (e *endpoint) BindCounter(c fabric.Counter, flags fabric.BindFlag) error {
	cntr, ok := c.(*counter)
	if !ok {
		return fabric.Wrap("fi_ep_bind(cntr)", fabric.ErrForeignHandle)
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.counters = append(e.counters, counterBinding{c: cntr, flags: flags})
	return nil
}

func (e *endpoint) BindAddressVector(a fabric.AddressVector) error {
	av, ok := a.(*addressVector)
	if !ok {
		return fabric.Wrap("fi_ep_bind(av)", fabric.ErrForeignHandle)
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.av = av
	return nil
}

func (e *endpoint) BindEventQueue(q fabric.EventQueue) error {
	eq, ok := q.(*eventQueue)
	if !ok {
		return fabric.Wrap("fi_ep_bind(eq)", fabric.ErrForeignHandle)
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.eq = eq
	return nil
}

func (e *endpoint) Enable() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return fabric.Wrap("fi_enable", fabric.ErrnoBadState)
	}
	if e.epType == fabric.EndpointRDM && e.av == nil {
		return fabric.Wrap("fi_enable", fabric.ErrnoNoAV)
	}
	if e.epType == fabric.EndpointMsg && e.eq == nil {
		return fabric.Wrap("fi_enable", fabric.ErrnoBadState)
	}
	e.enabled = true
	return nil
}

func (e *endpoint) Name() (fabric.Address, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return append(fabric.Address(nil), e.name...), nil
}

func (e *endpoint) Inject(buf []byte, dest fabric.Handle) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(buf) > e.injectSize {
		return fabric.Wrap("fi_inject", fabric.ErrnoInval)
	}
	target, err := e.targetLocked("fi_inject", dest)
	if err != nil {
		return err
	}
	n.deliverLocked(target, e.name, buf)
	e.countLocked(fabric.BindSend)
	n.cond.Broadcast()
	return nil
}

func (e *endpoint) Send(region fabric.MemoryRegion, length int, dest fabric.Handle) error {
	mr, ok := region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_send", fabric.ErrForeignHandle)
	}
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if length < 0 || length > len(mr.buf) {
		return fabric.Wrap("fi_send", fabric.ErrnoInval)
	}
	target, err := e.targetLocked("fi_send", dest)
	if err != nil {
		return err
	}
	n.deliverLocked(target, e.name, mr.buf[:length])
	e.completeLocked(fabric.BindSend, entry{comp: fabric.Completion{Op: fabric.OpSend}})
	e.countLocked(fabric.BindSend)
	n.cond.Broadcast()
	return nil
}

func (e *endpoint) Recv(region fabric.MemoryRegion, length int, src fabric.Handle) error {
	mr, ok := region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_recv", fabric.ErrForeignHandle)
	}
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.enabled || e.closed {
		return fabric.Wrap("fi_recv", fabric.ErrnoBadState)
	}
	if length < 0 || length > len(mr.buf) {
		return fabric.Wrap("fi_recv", fabric.ErrnoInval)
	}
	post := postedRecv{region: mr, length: length, src: src}
	for i, msg := range e.unexpected {
		if e.matchesLocked(post, msg.from) {
			e.unexpected = append(e.unexpected[:i], e.unexpected[i+1:]...)
			n.completeRecvLocked(e, post, msg.data)
			n.cond.Broadcast()
			return nil
		}
	}
	e.posted = append(e.posted, post)
	return nil
}

func (e *endpoint) Write(req fabric.WriteRequest) error {
	mr, ok := req.Region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_writemsg", fabric.ErrForeignHandle)
	}
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.Offset < 0 || req.Length < 0 || req.Offset+req.Length > len(mr.buf) {
		return fabric.Wrap("fi_writemsg", fabric.ErrnoInval)
	}
	target, err := e.targetLocked("fi_writemsg", req.Dest)
	if err != nil {
		return err
	}
	w := &pendingWrite{src: e, target: target, region: mr, req: req}
	if th, ok := req.Triggered(); ok && !n.ignoreTriggers {
		cntr, ok := th.Counter.(*counter)
		if !ok {
			return fabric.Wrap("fi_writemsg", fabric.ErrForeignHandle)
		}
		w.threshold = th.Value
		cntr.triggers = append(cntr.triggers, w)
		n.fireLocked(cntr)
		n.cond.Broadcast()
		return nil
	}
	n.executeWriteLocked(w)
	n.cond.Broadcast()
	return nil
}

func (e *endpoint) Connect(dest fabric.Address) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.epType != fabric.EndpointMsg || e.eq == nil {
		return fabric.Wrap("fi_connect", fabric.ErrnoBadState)
	}
	pep, ok := n.listeners[string(dest)]
	if !ok || pep.eq == nil {
		return fabric.Wrap("fi_connect", fabric.ErrnoConnRefused)
	}
	req := &connRequest{client: e}
	n.pendingConnRq++
	n.liveInfos++
	pep.eq.pushLocked(eqEntry{ev: fabric.Event{
		Type: fabric.EventConnReq,
		FID:  pep.id,
		Info: &info{
			net:        n,
			epType:     fabric.EndpointMsg,
			fabricName: e.dom.info.fabricName,
			domainName: e.dom.info.domainName,
			injectSize: e.injectSize,
			avType:     e.dom.info.avType,
			connReq:    req,
		},
	}})
	return nil
}

func (e *endpoint) Accept() error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.connReq == nil || e.eq == nil || e.connReq.done {
		return fabric.Wrap("fi_accept", fabric.ErrnoBadState)
	}
	if n.failAccept {
		n.failAccept = false
		return fabric.Wrap("fi_accept", fabric.ErrnoOther)
	}
	req := e.connReq
	req.done = true
	n.pendingConnRq--
	client := req.client
	if client.closed || client.eq == nil {
		return fabric.Wrap("fi_accept", fabric.ErrnoConnRefused)
	}
	e.peer, client.peer = client, e
	e.eq.pushLocked(eqEntry{ev: fabric.Event{Type: fabric.EventConnected, FID: e.id}})
	client.eq.pushLocked(eqEntry{ev: fabric.Event{Type: fabric.EventConnected, FID: client.id}})
	return nil
}

func (e *endpoint) Shutdown() error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	peer := e.peer
	if peer == nil {
		return nil
	}
	e.peer, peer.peer = nil, nil
	if peer.eq != nil {
		peer.eq.pushLocked(eqEntry{ev: fabric.Event{Type: fabric.EventShutdown, FID: peer.id}})
	}
	return nil
}

func (e *endpoint) Close() error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.enabled = false
	if cur, ok := n.endpoints[string(e.name)]; ok && cur == e {
		delete(n.endpoints, string(e.name))
	}
	if e.peer != nil {
		e.peer.peer = nil
		e.peer = nil
	}
	n.cond.Broadcast()
	return nil
}

// targetLocked resolves the receiving endpoint for a transmit operation.
func (e *endpoint) targetLocked(op string, dest fabric.Handle) (*endpoint, error) {
	if !e.enabled || e.closed {
		return nil, fabric.Wrap(op, fabric.ErrnoBadState)
	}
	if e.epType == fabric.EndpointMsg {
		if e.peer == nil {
			return nil, fabric.Wrap(op, fabric.ErrnoBadState)
		}
		return e.peer, nil
	}
	if e.av == nil {
		return nil, fabric.Wrap(op, fabric.ErrnoNoAV)
	}
	addr, ok := e.av.lookupLocked(dest)
	if !ok {
		return nil, fabric.Wrap(op, fabric.ErrnoInval)
	}
	target, ok := e.net.endpoints[string(addr)]
	if !ok || target.closed {
		return nil, fabric.Wrap(op, fabric.ErrnoConnRefused)
	}
	return target, nil
}

func (e *endpoint) matchesLocked(post postedRecv, from fabric.Address) bool {
	if post.src == fabric.HandleUnspec || e.epType == fabric.EndpointMsg {
		return true
	}
	if e.av == nil {
		return false
	}
	addr, ok := e.av.lookupLocked(post.src)
	return ok && bytes.Equal(addr, from)
}

// completeLocked appends ent to every CQ bound for the given direction.
func (e *endpoint) completeLocked(flag fabric.BindFlag, ent entry) {
	for _, b := range e.cqs {
		if b.flags&flag != 0 {
			b.cq.pushLocked(ent)
		}
	}
}

// countLocked increments every counter bound for the given operation class and
// fires any triggered work they release.
func (e *endpoint) countLocked(flag fabric.BindFlag) {
	for _, b := range e.counters {
		if b.flags&flag != 0 {
			b.c.value++
			e.net.fireLocked(b.c)
		}
	}
}

func (e *endpoint) countErrLocked(flag fabric.BindFlag) {
	for _, b := range e.counters {
		if b.flags&flag != 0 {
			b.c.errs++
		}
	}
}

type connRequest struct {
	client *endpoint
	done   bool
}

type pendingWrite struct {
	src       *endpoint
	target    *endpoint
	region    *memoryRegion
	req       fabric.WriteRequest
	threshold uint64
}

func (n *Network) deliverLocked(target *endpoint, from fabric.Address, data []byte) {
	msg := message{from: append(fabric.Address(nil), from...), data: append([]byte(nil), data...)}
	for i, post := range target.posted {
		if target.matchesLocked(post, msg.from) {
			target.posted = append(target.posted[:i], target.posted[i+1:]...)
			n.completeRecvLocked(target, post, msg.data)
			return
		}
	}
	target.unexpected = append(target.unexpected, msg)
}

func (n *Network) completeRecvLocked(e *endpoint, post postedRecv, data []byte) {
	if len(n.failRecv) > 0 {
		ce := n.failRecv[0]
		n.failRecv = n.failRecv[1:]
		ce.Op = fabric.OpRecv
		e.completeLocked(fabric.BindRecv, entry{err: &ce})
		e.countErrLocked(fabric.BindRecv)
		return
	}
	copied := copy(post.region.buf[:post.length], data)
	if copied < len(data) {
		e.completeLocked(fabric.BindRecv, entry{err: &fabric.CompletionError{
			Op:    fabric.OpRecv,
			Errno: fabric.ErrnoTrunc,
			Msg:   "message truncated",
		}})
		e.countErrLocked(fabric.BindRecv)
		return
	}
	e.completeLocked(fabric.BindRecv, entry{comp: fabric.Completion{Op: fabric.OpRecv}})
	e.countLocked(fabric.BindRecv)
}

// fireLocked executes every write held on c whose threshold has been reached.
func (n *Network) fireLocked(c *counter) {
	for {
		var ready *pendingWrite
		for i, w := range c.triggers {
			if c.value >= w.threshold {
				ready = w
				c.triggers = append(c.triggers[:i], c.triggers[i+1:]...)
				break
			}
		}
		if ready == nil {
			return
		}
		n.executeWriteLocked(ready)
	}
}

func (n *Network) executeWriteLocked(w *pendingWrite) {
	src, target, req := w.src, w.target, w.req
	fail := func(errno fabric.Errno, msg string) {
		src.completeLocked(fabric.BindSend, entry{err: &fabric.CompletionError{Op: fabric.OpWrite, Errno: errno, Msg: msg}})
		src.countErrLocked(fabric.BindWrite)
	}
	if src.closed || target.closed {
		fail(fabric.ErrnoConnRefused, "target endpoint closed")
		return
	}
	dst, ok := target.dom.regions[req.Key]
	if !ok || dst.access&fabric.AccessRemoteWrite == 0 {
		fail(fabric.ErrnoNoKey, "remote key not registered for write")
		return
	}
	end := req.RemoteAddr + uint64(req.Length)
	if end > uint64(len(dst.buf)) {
		fail(fabric.ErrnoInval, "remote write out of bounds")
		return
	}
	copy(dst.buf[req.RemoteAddr:end], w.region.buf[req.Offset:req.Offset+req.Length])
	src.completeLocked(fabric.BindSend, entry{comp: fabric.Completion{Op: fabric.OpWrite}})
	src.countLocked(fabric.BindWrite)
	target.countLocked(fabric.BindRemoteWrite)
}
