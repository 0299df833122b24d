//go:build cgo

package capi

import "time"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Counter is an open fid_cntr counting completions.
type Counter struct {
	ptr *C.struct_fid_cntr
}

func OpenCounter(d *Domain, wait WaitObj) (*Counter, error) {
	if d == nil || d.ptr == nil {
		return nil, closed("fi_cntr_open")
	}
	ca := C.struct_fi_cntr_attr{events: C.FI_CNTR_EVENTS_COMP, wait_obj: C.enum_fi_wait_obj(wait)}
	c := &Counter{}
	if err := check(C.fi_cntr_open(d.ptr, &ca, &c.ptr, nil), "fi_cntr_open"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Counter) Close() error { return release(&c.ptr, "cntr") }

func (c *Counter) Read() uint64 {
	if c.ptr == nil {
		return 0
	}
	return uint64(C.fi_cntr_read(c.ptr))
}

func (c *Counter) ReadErr() uint64 {
	if c.ptr == nil {
		return 0
	}
	return uint64(C.fi_cntr_readerr(c.ptr))
}

// Wait blocks until the success count reaches threshold. It fails with
// ErrTimedOut when timeout expires first.
func (c *Counter) Wait(threshold uint64, timeout time.Duration) error {
	if c.ptr == nil {
		return closed("fi_cntr_wait")
	}
	return check(C.fi_cntr_wait(c.ptr, C.uint64_t(threshold), millis(timeout)), "fi_cntr_wait")
}
