//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
*/
import "C"

// Bindable is a queue, counter or address vector an endpoint can bind.
type Bindable interface {
	object() *C.struct_fid
	kind() string
}

func (c *CompletionQueue) object() *C.struct_fid { return fid(c.ptr) }
func (c *CompletionQueue) kind() string { return "cq" }
func (c *Counter) object() *C.struct_fid { return fid(c.ptr) }
func (c *Counter) kind() string { return "cntr" }
func (a *AV) object() *C.struct_fid { return fid(a.ptr) }
func (a *AV) kind() string { return "av" }
func (q *EventQueue) object() *C.struct_fid { return fid(q.ptr) }
func (q *EventQueue) kind() string { return "eq" }

// Endpoint is an open active fid_ep.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// OpenEndpoint opens an active endpoint on d. entry may be a resolved
// descriptor or the one delivered with a connection request.
func OpenEndpoint(d *Domain, entry InfoEntry) (*Endpoint, error) {
	switch {
	case d == nil || d.ptr == nil:
		return nil, closed("fi_endpoint")
	case entry.ptr == nil:
		return nil, opErr("fi_endpoint", ErrInvalid)
	}
	ep := &Endpoint{}
	if err := check(C.fi_endpoint(d.ptr, entry.ptr, &ep.ptr, nil), "fi_endpoint"); err != nil {
		return nil, err
	}
	return ep, nil
}

func (e *Endpoint) Close() error { return release(&e.ptr, "ep") }

// Pointer identifies the endpoint in connection management events.
func (e *Endpoint) Pointer() unsafe.Pointer { return unsafe.Pointer(e.ptr) }

// Bind attaches t with the FI_SEND family of flags selecting which
// operations it observes.
func (e *Endpoint) Bind(t Bindable, flags uint64) error {
	return bindEP(e.ptr, t.object(), flags, t.kind())
}

func (e *Endpoint) Enable() error {
	if e.ptr == nil {
		return closed("fi_enable")
	}
	return check(C.fi_enable(e.ptr), "fi_enable")
}

func (e *Endpoint) Name() ([]byte, error) {
	if e.ptr == nil {
		return nil, closed("fi_getname")
	}
	return getName(fid(e.ptr))
}

func (e *Endpoint) Send(buf unsafe.Pointer, n uintptr, desc unsafe.Pointer, dest FIAddr, ctx unsafe.Pointer) error {
	if e.ptr == nil {
		return closed("fi_send")
	}
	return check(C.fi_send(e.ptr, buf, C.size_t(n), desc, C.fi_addr_t(dest), ctx), "fi_send")
}

func (e *Endpoint) Recv(buf unsafe.Pointer, n uintptr, desc unsafe.Pointer, src FIAddr, ctx unsafe.Pointer) error {
	if e.ptr == nil {
		return closed("fi_recv")
	}
	return check(C.fi_recv(e.ptr, buf, C.size_t(n), desc, C.fi_addr_t(src), ctx), "fi_recv")
}

// Inject copies buf before returning and never produces a completion.
func (e *Endpoint) Inject(buf unsafe.Pointer, n uintptr, dest FIAddr) error {
	if e.ptr == nil {
		return closed("fi_inject")
	}
	return check(C.fi_inject(e.ptr, buf, C.size_t(n), C.fi_addr_t(dest)), "fi_inject")
}

// Connect starts an active connection to dest. Completion is reported as
// FI_CONNECTED on the bound event queue.
func (e *Endpoint) Connect(dest []byte) error {
	if e.ptr == nil {
		return closed("fi_connect")
	}
	var addr unsafe.Pointer
	if len(dest) > 0 {
		addr = unsafe.Pointer(&dest[0])
	}
	return check(C.fi_connect(e.ptr, addr, nil, 0), "fi_connect")
}

// Accept answers the connection request the endpoint was opened from.
func (e *Endpoint) Accept() error {
	if e.ptr == nil {
		return closed("fi_accept")
	}
	return check(C.fi_accept(e.ptr, nil, 0), "fi_accept")
}

func (e *Endpoint) Shutdown() error {
	if e.ptr == nil {
		return closed("fi_shutdown")
	}
	return check(C.fi_shutdown(e.ptr, 0), "fi_shutdown")
}

// PassiveEndpoint is an open fid_pep that listens for connection requests.
type PassiveEndpoint struct {
	ptr *C.struct_fid_pep
}

func OpenPassiveEndpoint(f *Fabric, entry InfoEntry) (*PassiveEndpoint, error) {
	switch {
	case f == nil || f.ptr == nil:
		return nil, closed("fi_passive_ep")
	case entry.ptr == nil:
		return nil, opErr("fi_passive_ep", ErrInvalid)
	}
	pep := &PassiveEndpoint{}
	if err := check(C.fi_passive_ep(f.ptr, entry.ptr, &pep.ptr, nil), "fi_passive_ep"); err != nil {
		return nil, err
	}
	return pep, nil
}

func (p *PassiveEndpoint) Close() error { return release(&p.ptr, "pep") }

// Bind attaches the event queue that receives connection requests.
func (p *PassiveEndpoint) Bind(eq *EventQueue) error {
	if p.ptr == nil || eq == nil || eq.ptr == nil {
		return closed("fi_pep_bind")
	}
	return check(C.fi_pep_bind(p.ptr, fid(eq.ptr), 0), "fi_pep_bind")
}

func (p *PassiveEndpoint) Listen() error {
	if p.ptr == nil {
		return closed("fi_listen")
	}
	return check(C.fi_listen(p.ptr), "fi_listen")
}

// Reject refuses the request that delivered entry. The caller still frees
// entry.
func (p *PassiveEndpoint) Reject(entry InfoEntry) error {
	if p.ptr == nil {
		return closed("fi_reject")
	}
	if entry.ptr == nil {
		return opErr("fi_reject", ErrInvalid)
	}
	return check(C.fi_reject(p.ptr, entry.ptr.handle, nil, 0), "fi_reject")
}

func (p *PassiveEndpoint) Name() ([]byte, error) {
	if p.ptr == nil {
		return nil, closed("fi_getname")
	}
	return getName(fid(p.ptr))
}
