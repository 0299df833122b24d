//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fi_errno.h>

#ifndef FI_EPROTO
#define FI_EPROTO FI_EOTHER
#endif
*/
import "C"

// Errno is a positive libfabric error number.
type Errno int32

const (
	ErrAgain       Errno = Errno(C.FI_EAGAIN)
	ErrNoMemory    Errno = Errno(C.FI_ENOMEM)
	ErrInvalid     Errno = Errno(C.FI_EINVAL)
	ErrNoData      Errno = Errno(C.FI_ENODATA)
	ErrNoSys       Errno = Errno(C.FI_ENOSYS)
	ErrAddrInUse   Errno = Errno(C.FI_EADDRINUSE)
	ErrTimedOut    Errno = Errno(C.FI_ETIMEDOUT)
	ErrConnRefused Errno = Errno(C.FI_ECONNREFUSED)
	ErrProto       Errno = Errno(C.FI_EPROTO)
	ErrOther       Errno = Errno(C.FI_EOTHER)
	ErrBadState    Errno = Errno(C.FI_EOPBADSTATE)
	// ErrUnavailable (FI_EAVAIL) means an error entry is queued and must be
	// fetched with the matching readerr call.
	ErrUnavailable Errno = Errno(C.FI_EAVAIL)
	ErrTrunc       Errno = Errno(C.FI_ETRUNC)
)

func (e Errno) Error() string {
	if e == 0 {
		return "success"
	}
	return C.GoString(C.fi_strerror(C.int(e)))
}

// OpError names the libfabric call that failed.
type OpError struct {
	Op    string
	Errno Errno
}

func (e *OpError) Error() string { return e.Op + ": " + e.Errno.Error() }

func (e *OpError) Unwrap() error { return e.Errno }

func opErr(op string, errno Errno) error {
	return &OpError{Op: op, Errno: errno}
}

// closed is returned by every method called on a released handle.
func closed(op string) error {
	return opErr(op, ErrBadState)
}

// check converts a libfabric return value. Non-negative values, such as byte
// or entry counts, are success.
func check[T ~int | ~int32 | ~int64](rc T, op string) error {
	if rc >= 0 {
		return nil
	}
	return opErr(op, Errno(-rc))
}
