//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
*/
import "C"

// EndpointType mirrors enum fi_ep_type.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = EndpointType(C.FI_EP_UNSPEC)
	EndpointTypeMsg    EndpointType = EndpointType(C.FI_EP_MSG)
	EndpointTypeRDM    EndpointType = EndpointType(C.FI_EP_RDM)
)

// Hints narrows fi_getinfo. Zero fields leave the attribute unconstrained.
type Hints struct {
	EndpointType EndpointType
	Caps         uint64
	Mode         uint64
	AddrFormat   AddrFormat
	MRMode       MRMode
	InjectSize   uintptr
	Provider     string
	Fabric       string
	Domain       string
}

// build returns an fi_info owned by the caller. fi_allocinfo allocates every
// attribute block, and fi_freeinfo releases the name strings set here.
func (h *Hints) build() *C.struct_fi_info {
	fi := C.fi_allocinfo()
	if fi == nil {
		return nil
	}
	fi.caps = C.uint64_t(h.Caps)
	fi.mode = C.uint64_t(h.Mode)
	fi.addr_format = C.uint32_t(h.AddrFormat)
	fi.ep_attr._type = C.enum_fi_ep_type(h.EndpointType)
	fi.domain_attr.mr_mode = C.int(h.MRMode)
	fi.tx_attr.inject_size = C.size_t(h.InjectSize)
	fi.fabric_attr.prov_name = cstring(h.Provider)
	fi.fabric_attr.name = cstring(h.Fabric)
	fi.domain_attr.name = cstring(h.Domain)
	return fi
}

func cstring(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

// GetInfo resolves descriptors for node and service. Empty strings are passed
// as NULL and nil hints request every provider. The returned list must be
// released with Free.
func GetInfo(ver Version, node, service string, flags uint64, hints *Hints) (*Info, error) {
	cnode, csvc := cstring(node), cstring(service)
	defer C.free(unsafe.Pointer(cnode))
	defer C.free(unsafe.Pointer(csvc))

	var hi *C.struct_fi_info
	if hints != nil {
		if hi = hints.build(); hi == nil {
			return nil, opErr("fi_allocinfo", ErrNoMemory)
		}
		defer C.fi_freeinfo(hi)
	}

	list := &Info{}
	rc := C.fi_getinfo(ver.packed(), cnode, csvc, C.uint64_t(flags), hi, &list.head)
	if err := check(rc, "fi_getinfo"); err != nil {
		return nil, err
	}
	return list, nil
}

// Info is a descriptor list returned by GetInfo.
type Info struct {
	head *C.struct_fi_info
}

// Free releases the whole list. It is safe to call more than once.
func (i *Info) Free() {
	if i == nil || i.head == nil {
		return
	}
	C.fi_freeinfo(i.head)
	i.head = nil
}

// Entries lists the descriptors in provider preference order. They are valid
// until Free.
func (i *Info) Entries() []InfoEntry {
	var out []InfoEntry
	if i == nil {
		return out
	}
	for cur := i.head; cur != nil; cur = cur.next {
		out = append(out, InfoEntry{ptr: cur})
	}
	return out
}

// InfoEntry is one fi_info node. Accessors return zero values for attributes
// the provider left unset.
type InfoEntry struct {
	ptr *C.struct_fi_info
}

// FreeInfo releases a descriptor that is not part of a list, such as the one
// delivered with a connection request.
func FreeInfo(e InfoEntry) {
	if e.ptr != nil {
		C.fi_freeinfo(e.ptr)
	}
}

func (e InfoEntry) Valid() bool { return e.ptr != nil }

func gostring(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

func (e InfoEntry) ProviderName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil {
		return ""
	}
	return gostring(e.ptr.fabric_attr.prov_name)
}

func (e InfoEntry) FabricName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil {
		return ""
	}
	return gostring(e.ptr.fabric_attr.name)
}

func (e InfoEntry) DomainName() string {
	if e.ptr == nil || e.ptr.domain_attr == nil {
		return ""
	}
	return gostring(e.ptr.domain_attr.name)
}

func (e InfoEntry) EndpointType() EndpointType {
	if e.ptr == nil || e.ptr.ep_attr == nil {
		return EndpointTypeUnspec
	}
	return EndpointType(e.ptr.ep_attr._type)
}

// InjectSize is the largest message the provider sends inline.
func (e InfoEntry) InjectSize() uintptr {
	if e.ptr == nil || e.ptr.tx_attr == nil {
		return 0
	}
	return uintptr(e.ptr.tx_attr.inject_size)
}

func (e InfoEntry) AVType() AVType {
	if e.ptr == nil || e.ptr.domain_attr == nil {
		return AVTypeUnspec
	}
	return AVType(e.ptr.domain_attr.av_type)
}

// DestAddr copies the resolved peer address. It is nil for descriptors
// resolved with FlagSource.
func (e InfoEntry) DestAddr() []byte {
	if e.ptr == nil || e.ptr.dest_addr == nil || e.ptr.dest_addrlen == 0 {
		return nil
	}
	return C.GoBytes(e.ptr.dest_addr, C.int(e.ptr.dest_addrlen))
}
