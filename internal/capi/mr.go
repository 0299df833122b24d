//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_domain.h>
*/
import "C"

// MRAccess is the access mask of a registration. The bits are the FI_SEND
// family of operation flags.
type MRAccess uint64

const (
	MRAccessSend        = MRAccess(C.FI_SEND)
	MRAccessRecv        = MRAccess(C.FI_RECV)
	MRAccessRead        = MRAccess(C.FI_READ)
	MRAccessWrite       = MRAccess(C.FI_WRITE)
	MRAccessRemoteRead  = MRAccess(C.FI_REMOTE_READ)
	MRAccessRemoteWrite = MRAccess(C.FI_REMOTE_WRITE)
)

// MemoryRegion is an open fid_mr over C memory.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers length bytes at buf, asking for key. Providers in
// scalable mode honor the key; others assign their own, so read it back with
// Key. buf must stay allocated until Close.
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uintptr, access MRAccess, key uint64) (*MemoryRegion, error) {
	switch {
	case d == nil || d.ptr == nil:
		return nil, closed("fi_mr_reg")
	case buf == nil || length == 0:
		return nil, opErr("fi_mr_reg", ErrInvalid)
	}
	mr := &MemoryRegion{}
	rc := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, C.uint64_t(key), 0, &mr.ptr, nil)
	if err := check(rc, "fi_mr_reg"); err != nil {
		return nil, err
	}
	return mr, nil
}

func (m *MemoryRegion) Close() error { return release(&m.ptr, "mr") }

func (m *MemoryRegion) Key() uint64 {
	if m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}

// Descriptor is the local descriptor passed with transfers that use the
// region.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}
