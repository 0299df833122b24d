//go:build cgo

package libfabric

import (
	"sync"
	"unsafe"

	"github.com/rocketbitz/fabtests-go/internal/capi"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type endpoint struct {
	handle *capi.Endpoint

	mu          sync.Mutex
	outstanding map[*opContext]struct{}
}

func (e *endpoint) track(ctx *opContext) {
	e.mu.Lock()
	e.outstanding[ctx] = struct{}{}
	e.mu.Unlock()
}

func (e *endpoint) untrack(ctx *opContext) {
	e.mu.Lock()
	delete(e.outstanding, ctx)
	e.mu.Unlock()
}

func (e *endpoint) ID() uintptr {
	return uintptr(e.handle.Pointer())
}

func (e *endpoint) BindCompletionQueue(q fabric.CompletionQueue, flags fabric.BindFlag) error {
	cq, ok := q.(*completionQueue)
	if !ok {
		return fabric.Wrap("fi_ep_bind(cq)", fabric.ErrForeignHandle)
	}
	return translateErr(e.handle.Bind(cq.handle, translateBind(flags)))
}

func (e *endpoint) BindCounter(c fabric.Counter, flags fabric.BindFlag) error {
	cntr, ok := c.(*counter)
	if !ok {
		return fabric.Wrap("fi_ep_bind(cntr)", fabric.ErrForeignHandle)
	}
	return translateErr(e.handle.Bind(cntr.handle, translateBind(flags)))
}

func (e *endpoint) BindAddressVector(a fabric.AddressVector) error {
	av, ok := a.(*addressVector)
	if !ok {
		return fabric.Wrap("fi_ep_bind(av)", fabric.ErrForeignHandle)
	}
	return translateErr(e.handle.Bind(av.handle, 0))
}

func (e *endpoint) BindEventQueue(q fabric.EventQueue) error {
	eq, ok := q.(*eventQueue)
	if !ok {
		return fabric.Wrap("fi_ep_bind(eq)", fabric.ErrForeignHandle)
	}
	return translateErr(e.handle.Bind(eq.handle, 0))
}

func translateBind(flags fabric.BindFlag) uint64 {
	var out uint64
	if flags&fabric.BindSend != 0 {
		out |= capi.BindSend
	}
	if flags&fabric.BindRecv != 0 {
		out |= capi.BindRecv
	}
	if flags&fabric.BindWrite != 0 {
		out |= capi.BindWrite
	}
	if flags&fabric.BindRead != 0 {
		out |= capi.BindRead
	}
	if flags&fabric.BindRemoteWrite != 0 {
		out |= capi.BindRemoteWrite
	}
	if flags&fabric.BindRemoteRead != 0 {
		out |= capi.BindRemoteRead
	}
	return out
}

func (e *endpoint) Enable() error {
	return translateErr(e.handle.Enable())
}

func (e *endpoint) Name() (fabric.Address, error) {
	name, err := e.handle.Name()
	return fabric.Address(name), translateErr(err)
}

func (e *endpoint) Inject(buf []byte, dest fabric.Handle) error {
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	return translateErr(e.handle.Inject(ptr, uintptr(len(buf)), capi.FIAddr(dest)))
}

func (e *endpoint) Send(region fabric.MemoryRegion, length int, dest fabric.Handle) error {
	mr, ok := region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_send", fabric.ErrForeignHandle)
	}
	ctx, err := newOpContext(e, fabric.OpSend)
	if err != nil {
		return err
	}
	if err := e.handle.Send(mr.buf, uintptr(length), mr.handle.Descriptor(), capi.FIAddr(dest), ctx.ptr); err != nil {
		ctx.release()
		return translateErr(err)
	}
	return nil
}

func (e *endpoint) Recv(region fabric.MemoryRegion, length int, src fabric.Handle) error {
	mr, ok := region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_recv", fabric.ErrForeignHandle)
	}
	ctx, err := newOpContext(e, fabric.OpRecv)
	if err != nil {
		return err
	}
	if err := e.handle.Recv(mr.buf, uintptr(length), mr.handle.Descriptor(), capi.FIAddr(src), ctx.ptr); err != nil {
		ctx.release()
		return translateErr(err)
	}
	return nil
}

func (e *endpoint) Write(req fabric.WriteRequest) error {
	mr, ok := req.Region.(*memoryRegion)
	if !ok {
		return fabric.Wrap("fi_writemsg", fabric.ErrForeignHandle)
	}
	if req.Offset < 0 || req.Length < 0 || req.Offset+req.Length > mr.size {
		return fabric.Wrap("fi_writemsg", fabric.ErrnoInval)
	}
	buf := unsafe.Add(mr.buf, req.Offset)

	var ctx *opContext
	var flags uint64
	if th, triggered := req.Triggered(); triggered {
		cntr, ok := th.Counter.(*counter)
		if !ok {
			return fabric.Wrap("fi_writemsg", fabric.ErrForeignHandle)
		}
		trig, err := capi.NewThresholdTrigger(cntr.handle, th.Value)
		if err != nil {
			return translateErr(err)
		}
		ctx = newTriggerContext(e, trig)
		flags = capi.FlagTrigger
	} else {
		var err error
		if ctx, err = newOpContext(e, fabric.OpWrite); err != nil {
			return err
		}
	}
	err := e.handle.WriteMsg(buf, uintptr(req.Length), mr.handle.Descriptor(), capi.FIAddr(req.Dest), req.RemoteAddr, req.Key, ctx.ptr, flags)
	if err != nil {
		ctx.release()
		return translateErr(err)
	}
	return nil
}

func (e *endpoint) Connect(dest fabric.Address) error {
	return translateErr(e.handle.Connect(dest))
}

func (e *endpoint) Accept() error {
	return translateErr(e.handle.Accept())
}

func (e *endpoint) Shutdown() error {
	return translateErr(e.handle.Shutdown())
}

// Close releases the endpoint and then every context still held by the
// provider for an operation that never completed.
func (e *endpoint) Close() error {
	err := translateErr(e.handle.Close())
	e.mu.Lock()
	pending := make([]*opContext, 0, len(e.outstanding))
	for ctx := range e.outstanding {
		pending = append(pending, ctx)
	}
	e.mu.Unlock()
	for _, ctx := range pending {
		ctx.release()
	}
	return err
}
