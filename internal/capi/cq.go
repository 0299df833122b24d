//go:build cgo

package capi

import (
	"math"
	"time"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>

static const char *go_cq_strerror(struct fid_cq *cq, int prov_errno, const void *err_data) {
	return fi_cq_strerror(cq, prov_errno, err_data, NULL, 0);
}
*/
import "C"

// WaitObj mirrors enum fi_wait_obj.
type WaitObj int

const (
	WaitNone   = WaitObj(C.FI_WAIT_NONE)
	WaitUnspec = WaitObj(C.FI_WAIT_UNSPEC)
	WaitFD     = WaitObj(C.FI_WAIT_FD)
)

// Bind flags select which operations a queue or counter observes.
const (
	BindSend        = uint64(C.FI_SEND)
	BindRecv        = uint64(C.FI_RECV)
	BindWrite       = uint64(C.FI_WRITE)
	BindRead        = uint64(C.FI_READ)
	BindRemoteWrite = uint64(C.FI_REMOTE_WRITE)
	BindRemoteRead  = uint64(C.FI_REMOTE_READ)
)

// millis converts a timeout for the sread family. Negative waits forever and
// anything longer than an int of milliseconds is capped.
func millis(d time.Duration) C.int {
	switch {
	case d < 0:
		return -1
	case d.Milliseconds() > math.MaxInt32:
		return math.MaxInt32
	}
	return C.int(d.Milliseconds())
}

type CQAttr struct {
	Size    int
	WaitObj WaitObj
}

// CompletionQueue is an open fid_cq using FI_CQ_FORMAT_CONTEXT entries.
type CompletionQueue struct {
	ptr *C.struct_fid_cq
}

// CQEvent is one successful completion.
type CQEvent struct {
	Context unsafe.Pointer
}

// CQError is one entry from fi_cq_readerr. Message is the provider's
// rendering of ProviderErr.
type CQError struct {
	Context     unsafe.Pointer
	Err         Errno
	ProviderErr int
	Message     string
}

func OpenCompletionQueue(d *Domain, attr CQAttr) (*CompletionQueue, error) {
	if d == nil || d.ptr == nil {
		return nil, closed("fi_cq_open")
	}
	ca := C.struct_fi_cq_attr{
		size:     C.size_t(attr.Size),
		format:   C.FI_CQ_FORMAT_CONTEXT,
		wait_obj: C.enum_fi_wait_obj(attr.WaitObj),
	}
	cq := &CompletionQueue{}
	if err := check(C.fi_cq_open(d.ptr, &ca, &cq.ptr, nil), "fi_cq_open"); err != nil {
		return nil, err
	}
	return cq, nil
}

func (c *CompletionQueue) Close() error { return release(&c.ptr, "cq") }

// ReadContext polls for one entry. An empty queue returns nil, nil; a queued
// error entry returns an error matching ErrUnavailable.
func (c *CompletionQueue) ReadContext() (*CQEvent, error) {
	if c.ptr == nil {
		return nil, closed("fi_cq_read")
	}
	var entry C.struct_fi_cq_entry
	n := C.fi_cq_read(c.ptr, unsafe.Pointer(&entry), 1)
	switch {
	case n > 0:
		return &CQEvent{Context: entry.op_context}, nil
	case n == 0 || Errno(-n) == ErrAgain:
		return nil, nil
	}
	return nil, check(n, "fi_cq_read")
}

// SyncRead blocks on the queue's wait object for one entry.
func (c *CompletionQueue) SyncRead(timeout time.Duration) (*CQEvent, error) {
	if c.ptr == nil {
		return nil, closed("fi_cq_sread")
	}
	var entry C.struct_fi_cq_entry
	n := C.fi_cq_sread(c.ptr, unsafe.Pointer(&entry), 1, nil, millis(timeout))
	switch {
	case n > 0:
		return &CQEvent{Context: entry.op_context}, nil
	case n == 0:
		return nil, opErr("fi_cq_sread", ErrAgain)
	}
	return nil, check(n, "fi_cq_sread")
}

// ReadError dequeues one error entry, or returns nil, nil when none is
// queued.
func (c *CompletionQueue) ReadError() (*CQError, error) {
	if c.ptr == nil {
		return nil, closed("fi_cq_readerr")
	}
	var entry C.struct_fi_cq_err_entry
	n := C.fi_cq_readerr(c.ptr, &entry, 0)
	switch {
	case n > 0:
		return &CQError{
			Context:     entry.op_context,
			Err:         Errno(entry.err),
			ProviderErr: int(entry.prov_errno),
			Message:     gostring(C.go_cq_strerror(c.ptr, entry.prov_errno, entry.err_data)),
		}, nil
	case n == 0 || Errno(-n) == ErrAgain:
		return nil, nil
	}
	return nil, check(n, "fi_cq_readerr")
}

// WaitFD returns the descriptor that becomes readable when the queue has
// entries. The queue must have been opened with WaitFD.
func (c *CompletionQueue) WaitFD() (int, error) {
	if c.ptr == nil {
		return -1, closed("fi_control(FI_GETWAIT)")
	}
	var fd C.int
	rc := C.fi_control(fid(c.ptr), C.int(C.FI_GETWAIT), unsafe.Pointer(&fd))
	if err := check(rc, "fi_control(FI_GETWAIT)"); err != nil {
		return -1, err
	}
	return int(fd), nil
}
