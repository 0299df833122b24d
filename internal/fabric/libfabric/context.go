//go:build cgo

package libfabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/fabtests-go/internal/capi"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

var (
	contextRegistry sync.Map // uintptr -> *opContext
)

// opContext is the C-allocated operation context handed to the provider with
// a posted transfer. Completions are resolved back to it through the
// registry to recover the operation kind.
type opContext struct {
	ptr     unsafe.Pointer
	op      fabric.OpKind
	trigger *capi.TriggerContext
	owner   *endpoint
	closed  atomic.Bool
}

func newOpContext(owner *endpoint, op fabric.OpKind) (*opContext, error) {
	ptr := capi.CompletionContextAlloc()
	if ptr == nil {
		return nil, fmt.Errorf("libfabric: unable to allocate completion context")
	}
	ctx := &opContext{ptr: ptr, op: op, owner: owner}
	contextRegistry.Store(uintptr(ptr), ctx)
	owner.track(ctx)
	return ctx, nil
}

// newTriggerContext registers a triggered context. The provider reports the
// deferred operation's completion with the triggered context as op_context.
func newTriggerContext(owner *endpoint, trigger *capi.TriggerContext) *opContext {
	ctx := &opContext{ptr: trigger.Pointer(), op: fabric.OpWrite, trigger: trigger, owner: owner}
	contextRegistry.Store(uintptr(ctx.ptr), ctx)
	owner.track(ctx)
	return ctx
}

// resolveContext looks up and releases the context of a completed operation.
func resolveContext(ptr unsafe.Pointer) fabric.OpKind {
	if ptr == nil {
		return fabric.OpUnknown
	}
	value, ok := contextRegistry.Load(uintptr(ptr))
	if !ok {
		return fabric.OpUnknown
	}
	ctx := value.(*opContext)
	op := ctx.op
	ctx.release()
	return op
}

func (c *opContext) release() {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	contextRegistry.Delete(uintptr(c.ptr))
	if c.owner != nil {
		c.owner.untrack(c)
	}
	if c.trigger != nil {
		c.trigger.Free()
		return
	}
	capi.CompletionContextFree(c.ptr)
}
