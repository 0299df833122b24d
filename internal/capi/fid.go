//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_endpoint.h>
*/
import "C"

// fid returns the generic object header of any libfabric handle pointer.
func fid[T any](p *T) *C.struct_fid {
	return (*C.struct_fid)(unsafe.Pointer(p))
}

// release closes the object behind *p and clears the pointer so a second call
// is a no-op.
func release[T any](p **T, what string) error {
	if *p == nil {
		return nil
	}
	if err := check(C.fi_close(fid(*p)), "fi_close("+what+")"); err != nil {
		return err
	}
	*p = nil
	return nil
}

func bindEP(ep *C.struct_fid_ep, target *C.struct_fid, flags uint64, what string) error {
	op := "fi_ep_bind(" + what + ")"
	if ep == nil || target == nil {
		return closed(op)
	}
	return check(C.fi_ep_bind(ep, target, C.uint64_t(flags)), op)
}

// getName reads a fid's address, growing the buffer when the provider reports
// it too small.
func getName(f *C.struct_fid) ([]byte, error) {
	buf := make([]byte, 64)
	for range 6 {
		n := C.size_t(len(buf))
		rc := C.fi_getname(f, unsafe.Pointer(&buf[0]), &n)
		switch {
		case rc == 0:
			return buf[:n], nil
		case Errno(-rc) == Errno(C.FI_ETOOSMALL):
			buf = make([]byte, max(int(n), 2*len(buf)))
		default:
			return nil, check(rc, "fi_getname")
		}
	}
	return nil, opErr("fi_getname", Errno(C.FI_ETOOSMALL))
}
