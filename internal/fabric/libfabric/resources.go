//go:build cgo

package libfabric

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/rocketbitz/fabtests-go/internal/capi"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type fabricHandle struct {
	handle *capi.Fabric
}

func (f *fabricHandle) OpenDomain(i fabric.Info) (fabric.Domain, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_domain", err)
	}
	dom, err := capi.OpenDomain(f.handle, in.entry)
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain{handle: dom}, nil
}

func (f *fabricHandle) OpenEventQueue(attr fabric.EventQueueAttr) (fabric.EventQueue, error) {
	eq, err := capi.OpenEventQueue(f.handle, translateWait(attr.Wait))
	if err != nil {
		return nil, translateErr(err)
	}
	return &eventQueue{handle: eq}, nil
}

func (f *fabricHandle) OpenPassiveEndpoint(i fabric.Info) (fabric.PassiveEndpoint, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_passive_ep", err)
	}
	pep, err := capi.OpenPassiveEndpoint(f.handle, in.entry)
	if err != nil {
		return nil, translateErr(err)
	}
	return &passiveEndpoint{handle: pep}, nil
}

func (f *fabricHandle) Close() error {
	return translateErr(f.handle.Close())
}

func translateWait(w fabric.WaitObj) capi.WaitObj {
	switch w {
	case fabric.WaitFD:
		return capi.WaitFD
	case fabric.WaitUnspec:
		return capi.WaitUnspec
	default:
		return capi.WaitNone
	}
}

type domain struct {
	handle *capi.Domain
}

func (d *domain) OpenEndpoint(i fabric.Info) (fabric.Endpoint, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_endpoint", err)
	}
	ep, err := capi.OpenEndpoint(d.handle, in.entry)
	if err != nil {
		return nil, translateErr(err)
	}
	return &endpoint{handle: ep, outstanding: make(map[*opContext]struct{})}, nil
}

func (d *domain) OpenCompletionQueue(attr fabric.CompletionQueueAttr) (fabric.CompletionQueue, error) {
	cq, err := capi.OpenCompletionQueue(d.handle, capi.CQAttr{Size: attr.Size, WaitObj: translateWait(attr.Wait)})
	if err != nil {
		return nil, translateErr(err)
	}
	return &completionQueue{handle: cq}, nil
}

func (d *domain) OpenCounter(attr fabric.CounterAttr) (fabric.Counter, error) {
	wait := capi.WaitUnspec
	if attr.Wait != fabric.WaitUnspec && attr.Wait != fabric.WaitNone {
		wait = translateWait(attr.Wait)
	}
	cntr, err := capi.OpenCounter(d.handle, wait)
	if err != nil {
		return nil, translateErr(err)
	}
	return &counter{handle: cntr}, nil
}

func (d *domain) OpenAddressVector(attr fabric.AddressVectorAttr) (fabric.AddressVector, error) {
	typ := capi.AVTypeUnspec
	switch attr.Type {
	case fabric.AVMap:
		typ = capi.AVTypeMap
	case fabric.AVTable:
		typ = capi.AVTypeTable
	}
	av, err := capi.OpenAV(d.handle, capi.AVAttr{Type: typ, Count: uint64(attr.Count)})
	if err != nil {
		return nil, translateErr(err)
	}
	return &addressVector{handle: av}, nil
}

func (d *domain) RegisterMemory(size int, opts fabric.RegisterOptions) (fabric.MemoryRegion, error) {
	if size <= 0 {
		return nil, fabric.Wrap("fi_mr_reg", fabric.ErrnoInval)
	}
	buf := capi.AllocBytes(uintptr(size))
	if buf == nil {
		return nil, fabric.Wrap("fi_mr_reg", fabric.ErrnoNoMem)
	}
	mr, err := d.handle.RegisterMemory(buf, uintptr(size), translateAccess(opts.Access), opts.Key)
	if err != nil {
		capi.FreeBytes(buf)
		return nil, translateErr(err)
	}
	return &memoryRegion{handle: mr, buf: buf, size: size}, nil
}

func (d *domain) Close() error {
	return translateErr(d.handle.Close())
}

func translateAccess(a fabric.Access) capi.MRAccess {
	var out capi.MRAccess
	if a&fabric.AccessSend != 0 {
		out |= capi.MRAccessSend
	}
	if a&fabric.AccessRecv != 0 {
		out |= capi.MRAccessRecv
	}
	if a&fabric.AccessWrite != 0 {
		out |= capi.MRAccessWrite
	}
	if a&fabric.AccessRead != 0 {
		out |= capi.MRAccessRead
	}
	if a&fabric.AccessRemoteWrite != 0 {
		out |= capi.MRAccessRemoteWrite
	}
	if a&fabric.AccessRemoteRead != 0 {
		out |= capi.MRAccessRemoteRead
	}
	return out
}

type memoryRegion struct {
	handle *capi.MemoryRegion
	buf    unsafe.Pointer
	size   int
}

func (m *memoryRegion) Bytes() []byte { return capi.Bytes(m.buf, uintptr(m.size)) }

func (m *memoryRegion) Key() uint64 { return m.handle.Key() }

func (m *memoryRegion) Close() error {
	err := m.handle.Close()
	capi.FreeBytes(m.buf)
	m.buf = nil
	return translateErr(err)
}

type completionQueue struct {
	handle *capi.CompletionQueue
}

func (q *completionQueue) Read() (fabric.Completion, error) {
	ev, err := q.handle.ReadContext()
	if err != nil {
		if errors.Is(err, capi.ErrUnavailable) {
			return fabric.Completion{}, fabric.ErrCompletionAvailable
		}
		return fabric.Completion{}, translateErr(err)
	}
	if ev == nil {
		return fabric.Completion{}, fabric.ErrNotReady
	}
	return fabric.Completion{Op: resolveContext(ev.Context)}, nil
}

func (q *completionQueue) ReadError() (*fabric.CompletionError, error) {
	cqErr, err := q.handle.ReadError()
	if err != nil {
		return nil, translateErr(err)
	}
	if cqErr == nil {
		return nil, fabric.ErrNotReady
	}
	return &fabric.CompletionError{
		Op:          resolveContext(cqErr.Context),
		Errno:       fabric.Errno(cqErr.Err),
		ProviderErr: cqErr.ProviderErr,
		Msg:         cqErr.Message,
	}, nil
}

func (q *completionQueue) SyncRead(timeout time.Duration) (fabric.Completion, error) {
	ev, err := q.handle.SyncRead(timeout)
	switch {
	case err == nil:
		return fabric.Completion{Op: resolveContext(ev.Context)}, nil
	case errors.Is(err, capi.ErrUnavailable):
		return fabric.Completion{}, fabric.ErrCompletionAvailable
	case errors.Is(err, capi.ErrAgain), errors.Is(err, capi.ErrTimedOut):
		return fabric.Completion{}, fabric.Wrap("fi_cq_sread", fabric.ErrTimeout)
	default:
		return fabric.Completion{}, translateErr(err)
	}
}

func (q *completionQueue) WaitFD() (int, error) {
	fd, err := q.handle.WaitFD()
	return fd, translateErr(err)
}

func (q *completionQueue) Close() error {
	return translateErr(q.handle.Close())
}

type counter struct {
	handle *capi.Counter
}

func (c *counter) Read() uint64 { return c.handle.Read() }

func (c *counter) ReadErr() uint64 { return c.handle.ReadErr() }

func (c *counter) Wait(threshold uint64, timeout time.Duration) error {
	err := c.handle.Wait(threshold, timeout)
	if errors.Is(err, capi.ErrTimedOut) {
		return fabric.Wrap("fi_cntr_wait", fabric.ErrTimeout)
	}
	return translateErr(err)
}

func (c *counter) Close() error {
	return translateErr(c.handle.Close())
}

type eventQueue struct {
	handle *capi.EventQueue
}

func (q *eventQueue) Read(timeout time.Duration) (fabric.Event, error) {
	cm, err := q.handle.ReadCM(timeout)
	if err != nil {
		var eqErr *capi.EQError
		if errors.As(err, &eqErr) {
			return fabric.Event{}, &fabric.EventError{
				FID:         uintptr(eqErr.FID),
				Errno:       fabric.Errno(eqErr.Err),
				ProviderErr: eqErr.ProviderErr,
				Msg:         eqErr.Message,
			}
		}
		if errors.Is(err, capi.ErrAgain) || errors.Is(err, capi.ErrTimedOut) {
			return fabric.Event{}, fabric.Wrap("fi_eq_sread", fabric.ErrTimeout)
		}
		return fabric.Event{}, translateErr(err)
	}
	ev := fabric.Event{FID: uintptr(cm.FID)}
	switch cm.Event {
	case capi.CMEventConnReq:
		ev.Type = fabric.EventConnReq
		if cm.Info.Valid() {
			ev.Info = &info{entry: cm.Info}
		}
	case capi.CMEventConnected:
		ev.Type = fabric.EventConnected
		capi.FreeInfo(cm.Info)
	case capi.CMEventShutdown:
		ev.Type = fabric.EventShutdown
		capi.FreeInfo(cm.Info)
	default:
		capi.FreeInfo(cm.Info)
	}
	return ev, nil
}

func (q *eventQueue) Close() error {
	return translateErr(q.handle.Close())
}

type addressVector struct {
	handle *capi.AV
}

func (a *addressVector) Insert(addr fabric.Address) (fabric.Handle, error) {
	h, err := a.handle.Insert(addr)
	var countErr *capi.InsertCountError
	if errors.As(err, &countErr) {
		return fabric.HandleUnspec, fmt.Errorf("%w: %v", fabric.ErrProtocol, countErr)
	}
	if err != nil {
		return fabric.HandleUnspec, translateErr(err)
	}
	return fabric.Handle(h), nil
}

func (a *addressVector) Close() error {
	return translateErr(a.handle.Close())
}

type passiveEndpoint struct {
	handle *capi.PassiveEndpoint
}

func (p *passiveEndpoint) BindEventQueue(q fabric.EventQueue) error {
	eq, ok := q.(*eventQueue)
	if !ok {
		return fabric.Wrap("fi_pep_bind", fabric.ErrForeignHandle)
	}
	return translateErr(p.handle.Bind(eq.handle))
}

func (p *passiveEndpoint) Listen() error {
	return translateErr(p.handle.Listen())
}

func (p *passiveEndpoint) Name() (fabric.Address, error) {
	name, err := p.handle.Name()
	return fabric.Address(name), translateErr(err)
}

func (p *passiveEndpoint) Reject(i fabric.Info) error {
	in, err := asInfo(i)
	if err != nil {
		return fabric.Wrap("fi_reject", err)
	}
	return translateErr(p.handle.Reject(in.entry))
}

func (p *passiveEndpoint) Close() error {
	return translateErr(p.handle.Close())
}
