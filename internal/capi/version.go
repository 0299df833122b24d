//go:build cgo

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static unsigned int go_runtime_version(void) { return fi_version(); }
static unsigned int go_header_version(void) { return FI_VERSION(FI_MAJOR_VERSION, FI_MINOR_VERSION); }
static unsigned int go_make_version(unsigned int major, unsigned int minor) { return FI_VERSION(major, minor); }
*/
import "C"

// Version is a libfabric API version.
type Version struct {
	Major uint
	Minor uint
}

func unpackVersion(v C.uint) Version {
	return Version{Major: uint(v >> 16), Minor: uint(v & 0xffff)}
}

func (v Version) packed() C.uint32_t {
	return C.uint32_t(C.go_make_version(C.uint(v.Major), C.uint(v.Minor)))
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// RuntimeVersion is the version of the linked library.
func RuntimeVersion() Version { return unpackVersion(C.go_runtime_version()) }

// BuildVersion is the version of the headers the binary was compiled against.
func BuildVersion() Version { return unpackVersion(C.go_header_version()) }

// EnsureRuntimeCompatible fails when the linked library is from another major
// release or older than the headers.
func EnsureRuntimeCompatible() error {
	rt, hdr := RuntimeVersion(), BuildVersion()
	if rt.Major != hdr.Major || rt.Minor < hdr.Minor {
		return fmt.Errorf("runtime %s is not compatible with headers %s", rt, hdr)
	}
	return nil
}
