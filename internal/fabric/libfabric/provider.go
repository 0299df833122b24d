//go:build cgo

// Package libfabric implements the fabric contract over the native libfabric
// library through cgo.
package libfabric

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabtests-go/internal/capi"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

// ProviderName identifies the native provider in logs and reports.
const ProviderName = "libfabric"

// Provider resolves hints through fi_getinfo.
type Provider struct {
	runtime capi.Version
}

// New returns the native provider after checking that the linked runtime is
// compatible with the headers the binary was built against.
func New() (*Provider, error) {
	if err := capi.EnsureRuntimeCompatible(); err != nil {
		return nil, fmt.Errorf("libfabric: %w", err)
	}
	return &Provider{runtime: capi.RuntimeVersion()}, nil
}

// Name implements fabric.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// RuntimeVersion reports the linked libfabric version.
func (p *Provider) RuntimeVersion() string {
	return p.runtime.String()
}

// GetInfo implements fabric.Provider. The first matching descriptor is used.
func (p *Provider) GetInfo(hints fabric.Hints) (fabric.Info, error) {
	h := translateHints(hints)

	ver := capi.BuildVersion()
	if hints.Version.Major != 0 {
		ver = capi.Version{Major: hints.Version.Major, Minor: hints.Version.Minor}
	}
	var flags uint64
	if hints.Source {
		flags |= capi.FlagSource
	}

	list, err := capi.GetInfo(ver, hints.Node, hints.Service, flags, &h)
	if err != nil {
		if errors.Is(err, capi.ErrNoData) {
			return nil, fmt.Errorf("fi_getinfo: %w", fabric.ErrNoProvider)
		}
		return nil, translateErr(err)
	}
	entries := list.Entries()
	if len(entries) == 0 {
		list.Free()
		return nil, fmt.Errorf("fi_getinfo: %w", fabric.ErrNoProvider)
	}
	return &info{list: list, entry: entries[0]}, nil
}

// OpenFabric implements fabric.Provider.
func (p *Provider) OpenFabric(i fabric.Info) (fabric.Fabric, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_fabric", err)
	}
	handle, err := capi.OpenFabric(in.entry)
	if err != nil {
		return nil, translateErr(err)
	}
	return &fabricHandle{handle: handle}, nil
}

func translateHints(hints fabric.Hints) capi.Hints {
	h := capi.Hints{
		Caps:       translateCaps(hints.Caps),
		Mode:       translateMode(hints.Mode),
		InjectSize: uintptr(max(hints.InjectSize, 0)),
		Provider:   hints.Provider,
		Fabric:     hints.Fabric,
		Domain:     hints.Domain,
	}
	switch hints.EndpointType {
	case fabric.EndpointMsg:
		h.EndpointType = capi.EndpointTypeMsg
	case fabric.EndpointRDM:
		h.EndpointType = capi.EndpointTypeRDM
	}
	if hints.AddrFormat == fabric.AddrFormatSockaddr {
		h.AddrFormat = capi.AddrFormatSockaddr
	}
	switch hints.MRMode {
	case fabric.MRModeBasic:
		h.MRMode = capi.MRModeBasic
	case fabric.MRModeScalable:
		h.MRMode = capi.MRModeScalable
	}
	return h
}

func translateCaps(caps fabric.Capability) uint64 {
	var out uint64
	if caps&fabric.CapMsg != 0 {
		out |= capi.CapMsg
	}
	if caps&fabric.CapRMA != 0 {
		out |= capi.CapRMA
	}
	if caps&fabric.CapRMAEvent != 0 {
		out |= capi.CapRMAEvent
	}
	if caps&fabric.CapTrigger != 0 {
		out |= capi.CapTrigger
	}
	return out
}

func translateMode(mode fabric.Mode) uint64 {
	if mode == fabric.ModeAll {
		return ^uint64(0)
	}
	var out uint64
	if mode&fabric.ModeContext != 0 {
		out |= capi.ModeContext
	}
	if mode&fabric.ModeLocalMR != 0 {
		out |= capi.ModeLocalMR
	}
	return out
}

// info is a resolved descriptor. Descriptors from fi_getinfo own the whole
// list; descriptors delivered with a connection request own only their entry.
type info struct {
	list  *capi.Info
	entry capi.InfoEntry
	freed bool
}

func asInfo(i fabric.Info) (*info, error) {
	in, ok := i.(*info)
	if !ok || in == nil || in.freed {
		return nil, fabric.ErrForeignHandle
	}
	return in, nil
}

func (i *info) Provider() string { return i.entry.ProviderName() }

func (i *info) Fabric() string { return i.entry.FabricName() }

func (i *info) Domain() string { return i.entry.DomainName() }

func (i *info) InjectSize() int { return int(i.entry.InjectSize()) }

func (i *info) DestAddr() fabric.Address { return fabric.Address(i.entry.DestAddr()) }

func (i *info) EndpointType() fabric.EndpointType {
	switch i.entry.EndpointType() {
	case capi.EndpointTypeMsg:
		return fabric.EndpointMsg
	case capi.EndpointTypeRDM:
		return fabric.EndpointRDM
	default:
		return fabric.EndpointUnspec
	}
}

func (i *info) AVType() fabric.AVType {
	switch i.entry.AVType() {
	case capi.AVTypeMap:
		return fabric.AVMap
	case capi.AVTypeTable:
		return fabric.AVTable
	default:
		return fabric.AVUnspec
	}
}

func (i *info) Free() {
	if i == nil || i.freed {
		return
	}
	i.freed = true
	if i.list != nil {
		i.list.Free()
		return
	}
	capi.FreeInfo(i.entry)
}

// translatedError carries both the native errno and its fabric equivalent so
// callers can match either.
type translatedError struct {
	cause error
	errno fabric.Errno
}

func (e *translatedError) Error() string { return e.cause.Error() }

func (e *translatedError) Unwrap() []error { return []error{e.errno, e.cause} }

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var errno capi.Errno
	if !errors.As(err, &errno) {
		return err
	}
	return &translatedError{cause: err, errno: fabric.Errno(errno)}
}
