//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#cgo CFLAGS: -Wno-deprecated-declarations
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Capability and mode bits requested in Hints.
const (
	CapMsg      = uint64(C.FI_MSG)
	CapRMA      = uint64(C.FI_RMA)
	CapRMAEvent = uint64(C.FI_RMA_EVENT)
	CapTrigger  = uint64(C.FI_TRIGGER)
)

const (
	ModeContext = uint64(C.FI_CONTEXT)
	ModeLocalMR = uint64(C.FI_LOCAL_MR)
)

// FlagSource marks node/service passed to GetInfo as the local address.
const FlagSource = uint64(C.FI_SOURCE)

// AddrFormat mirrors the FI_SOCKADDR family of address formats.
type AddrFormat uint32

const (
	AddrFormatUnspec   AddrFormat = AddrFormat(C.FI_FORMAT_UNSPEC)
	AddrFormatSockaddr AddrFormat = AddrFormat(C.FI_SOCKADDR)
)

// MRMode mirrors the legacy enum fi_mr_mode values used in hints.
type MRMode int

const (
	MRModeUnspec   MRMode = MRMode(C.FI_MR_UNSPEC)
	MRModeBasic    MRMode = MRMode(C.FI_MR_BASIC)
	MRModeScalable MRMode = MRMode(C.FI_MR_SCALABLE)
)
