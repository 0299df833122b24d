//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
*/
import "C"

// Memory posted to the provider must not move, so buffers and operation
// contexts live on the C heap.

// AllocBytes returns size zeroed bytes, or nil when size is zero or the
// allocation fails.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return C.calloc(1, C.size_t(size))
}

// FreeBytes releases memory from AllocBytes or CompletionContextAlloc.
func FreeBytes(p unsafe.Pointer) { C.free(p) }

// Bytes views size bytes at p. The slice dies with the allocation.
func Bytes(p unsafe.Pointer, size uintptr) []byte {
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), size)
}

// CompletionContextAlloc returns a zeroed struct fi_context for providers
// that require FI_CONTEXT. The provider owns it until the operation's
// completion is read.
func CompletionContextAlloc() unsafe.Pointer {
	return AllocBytes(unsafe.Sizeof(C.struct_fi_context{}))
}

func CompletionContextFree(p unsafe.Pointer) { FreeBytes(p) }
