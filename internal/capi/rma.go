//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <sys/uio.h>
#include <rdma/fabric.h>
#include <rdma/fi_rma.h>
#include <rdma/fi_trigger.h>

static ssize_t go_writemsg(struct fid_ep *ep, void *buf, size_t len, void *desc,
		fi_addr_t dest, uint64_t addr, uint64_t key, void *context, uint64_t flags) {
	struct iovec iov = { .iov_base = buf, .iov_len = len };
	struct fi_rma_iov rma_iov = { .addr = addr, .len = len, .key = key };
	struct fi_msg_rma msg = {
		.msg_iov = &iov,
		.desc = &desc,
		.iov_count = 1,
		.addr = dest,
		.rma_iov = &rma_iov,
		.rma_iov_count = 1,
		.context = context,
		.data = 0,
	};
	return fi_writemsg(ep, &msg, flags);
}

static struct fi_triggered_context *go_threshold_context(struct fid_cntr *cntr, size_t threshold) {
	struct fi_triggered_context *ctx = calloc(1, sizeof(*ctx));
	if (!ctx)
		return NULL;
	ctx->event_type = FI_TRIGGER_THRESHOLD;
	ctx->trigger.threshold.cntr = cntr;
	ctx->trigger.threshold.threshold = threshold;
	return ctx;
}
*/
import "C"

// FlagTrigger defers an operation posted with a TriggerContext.
const FlagTrigger = uint64(C.FI_TRIGGER)

// TriggerContext is a C-allocated fi_triggered_context holding a counter
// threshold. The provider reads it until the deferred operation has run, so
// Free it only after that completion or after the endpoint is closed.
type TriggerContext struct {
	ptr *C.struct_fi_triggered_context
}

func NewThresholdTrigger(c *Counter, threshold uint64) (*TriggerContext, error) {
	if c == nil || c.ptr == nil {
		return nil, closed("fi_triggered_context")
	}
	ctx := C.go_threshold_context(c.ptr, C.size_t(threshold))
	if ctx == nil {
		return nil, opErr("fi_triggered_context", ErrNoMemory)
	}
	return &TriggerContext{ptr: ctx}, nil
}

// Pointer is the value passed as the operation context.
func (t *TriggerContext) Pointer() unsafe.Pointer { return unsafe.Pointer(t.ptr) }

func (t *TriggerContext) Free() {
	FreeBytes(unsafe.Pointer(t.ptr))
	t.ptr = nil
}

// WriteMsg posts a one-segment RMA write of n bytes to addr in the peer
// region registered under key. flags may include FlagTrigger.
func (e *Endpoint) WriteMsg(buf unsafe.Pointer, n uintptr, desc unsafe.Pointer, dest FIAddr, addr, key uint64, ctx unsafe.Pointer, flags uint64) error {
	if e.ptr == nil {
		return closed("fi_writemsg")
	}
	rc := C.go_writemsg(e.ptr, buf, C.size_t(n), desc, C.fi_addr_t(dest), C.uint64_t(addr), C.uint64_t(key), ctx, C.uint64_t(flags))
	return check(rc, "fi_writemsg")
}
