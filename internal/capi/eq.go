//go:build cgo

package capi

import (
	"time"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_eq.h>

static const char *go_eq_strerror(struct fid_eq *eq, int prov_errno, const void *err_data) {
	return fi_eq_strerror(eq, prov_errno, err_data, NULL, 0);
}
*/
import "C"

// CMEventType is the event code of a connection management entry.
type CMEventType uint32

const (
	CMEventConnReq   = CMEventType(C.FI_CONNREQ)
	CMEventConnected = CMEventType(C.FI_CONNECTED)
	CMEventShutdown  = CMEventType(C.FI_SHUTDOWN)
)

// CMEvent is one fi_eq_cm_entry. Info is set for connection requests, and
// the receiver must free it with FreeInfo.
type CMEvent struct {
	Event CMEventType
	FID   unsafe.Pointer
	Info  InfoEntry
}

// EQError is an error entry read from an event queue, such as a rejected
// connection.
type EQError struct {
	FID         unsafe.Pointer
	Err         Errno
	ProviderErr int
	Message     string
}

func (e *EQError) Error() string {
	msg := "fi_eq_readerr: " + e.Err.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *EQError) Unwrap() error { return e.Err }

// EventQueue is an open fid_eq.
type EventQueue struct {
	ptr *C.struct_fid_eq
}

func OpenEventQueue(f *Fabric, wait WaitObj) (*EventQueue, error) {
	if f == nil || f.ptr == nil {
		return nil, closed("fi_eq_open")
	}
	ea := C.struct_fi_eq_attr{wait_obj: C.enum_fi_wait_obj(wait)}
	eq := &EventQueue{}
	if err := check(C.fi_eq_open(f.ptr, &ea, &eq.ptr, nil), "fi_eq_open"); err != nil {
		return nil, err
	}
	return eq, nil
}

func (q *EventQueue) Close() error { return release(&q.ptr, "eq") }

// ReadCM waits for the next connection management event. A queued error
// entry is dequeued and returned as *EQError; an expired timeout returns an
// error matching ErrAgain or ErrTimedOut depending on the provider.
func (q *EventQueue) ReadCM(timeout time.Duration) (*CMEvent, error) {
	if q.ptr == nil {
		return nil, closed("fi_eq_sread")
	}
	var (
		event C.uint32_t
		entry C.struct_fi_eq_cm_entry
	)
	n := C.fi_eq_sread(q.ptr, &event, unsafe.Pointer(&entry), C.size_t(unsafe.Sizeof(entry)), millis(timeout), 0)
	switch {
	case n > 0:
		return &CMEvent{
			Event: CMEventType(event),
			FID:   unsafe.Pointer(entry.fid),
			Info:  InfoEntry{ptr: entry.info},
		}, nil
	case n == 0:
		return nil, opErr("fi_eq_sread", ErrAgain)
	case Errno(-n) == ErrUnavailable:
		eqErr, err := q.ReadError()
		if err != nil {
			return nil, err
		}
		if eqErr != nil {
			return nil, eqErr
		}
	}
	return nil, check(n, "fi_eq_sread")
}

// ReadError dequeues one error entry, or returns nil, nil when none is
// queued.
func (q *EventQueue) ReadError() (*EQError, error) {
	if q.ptr == nil {
		return nil, closed("fi_eq_readerr")
	}
	var entry C.struct_fi_eq_err_entry
	n := C.fi_eq_readerr(q.ptr, &entry, 0)
	switch {
	case n > 0:
		return &EQError{
			FID:         unsafe.Pointer(entry.fid),
			Err:         Errno(entry.err),
			ProviderErr: int(entry.prov_errno),
			Message:     gostring(C.go_eq_strerror(q.ptr, entry.prov_errno, entry.err_data)),
		}, nil
	case n == 0 || Errno(-n) == ErrAgain:
		return nil, nil
	}
	return nil, check(n, "fi_eq_readerr")
}
