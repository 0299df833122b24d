//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Fabric is an open fid_fabric.
type Fabric struct {
	ptr *C.struct_fid_fabric
}

// Domain is an open fid_domain.
type Domain struct {
	ptr *C.struct_fid_domain
}

// OpenFabric opens the fabric named by entry's fabric attributes.
func OpenFabric(entry InfoEntry) (*Fabric, error) {
	if entry.ptr == nil || entry.ptr.fabric_attr == nil {
		return nil, opErr("fi_fabric", ErrInvalid)
	}
	f := &Fabric{}
	if err := check(C.fi_fabric(entry.ptr.fabric_attr, &f.ptr, nil), "fi_fabric"); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fabric) Close() error { return release(&f.ptr, "fabric") }

// OpenDomain opens a domain of f for entry.
func OpenDomain(f *Fabric, entry InfoEntry) (*Domain, error) {
	switch {
	case f == nil || f.ptr == nil:
		return nil, closed("fi_domain")
	case entry.ptr == nil:
		return nil, opErr("fi_domain", ErrInvalid)
	}
	d := &Domain{}
	if err := check(C.fi_domain(f.ptr, entry.ptr, &d.ptr, nil), "fi_domain"); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Domain) Close() error { return release(&d.ptr, "domain") }
