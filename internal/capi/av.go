//go:build cgo

package capi

import (
	"fmt"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fi_domain.h>
*/
import "C"

// AVType mirrors enum fi_av_type.
type AVType int

const (
	AVTypeUnspec AVType = AVType(C.FI_AV_UNSPEC)
	AVTypeMap    AVType = AVType(C.FI_AV_MAP)
	AVTypeTable  AVType = AVType(C.FI_AV_TABLE)
)

// FIAddr is an fi_addr_t handle into an address vector.
type FIAddr uint64

// FIAddrUnspec is FI_ADDR_UNSPEC, used on connected endpoints.
const FIAddrUnspec = ^FIAddr(0)

type AVAttr struct {
	Type  AVType
	Count uint64
}

// AV is an open fid_av.
type AV struct {
	ptr *C.struct_fid_av
}

func OpenAV(d *Domain, attr AVAttr) (*AV, error) {
	if d == nil || d.ptr == nil {
		return nil, closed("fi_av_open")
	}
	ca := C.struct_fi_av_attr{_type: C.enum_fi_av_type(attr.Type), count: C.size_t(attr.Count)}
	av := &AV{}
	if err := check(C.fi_av_open(d.ptr, &ca, &av.ptr, nil), "fi_av_open"); err != nil {
		return nil, err
	}
	return av, nil
}

func (a *AV) Close() error { return release(&a.ptr, "av") }

// InsertCountError reports an fi_av_insert that succeeded but inserted a
// number of addresses other than the one requested.
type InsertCountError struct {
	N int
}

func (e *InsertCountError) Error() string {
	return fmt.Sprintf("fi_av_insert: inserted %d addresses, want 1", e.N)
}

// Insert adds one raw provider address. A count other than one is returned as
// *InsertCountError.
func (a *AV) Insert(addr []byte) (FIAddr, error) {
	if a == nil || a.ptr == nil {
		return FIAddrUnspec, closed("fi_av_insert")
	}
	if len(addr) == 0 {
		return FIAddrUnspec, opErr("fi_av_insert", ErrInvalid)
	}
	out := C.fi_addr_t(FIAddrUnspec)
	n := C.fi_av_insert(a.ptr, unsafe.Pointer(&addr[0]), 1, &out, 0, nil)
	if err := check(n, "fi_av_insert"); err != nil {
		return FIAddrUnspec, err
	}
	if n != 1 {
		return FIAddrUnspec, &InsertCountError{N: int(n)}
	}
	return FIAddr(out), nil
}
