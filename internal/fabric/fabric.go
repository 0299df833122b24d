// Package fabric defines the capability contract the benchmark engines are
// written against: a provider resolves hints into descriptors and opens
// fabrics, domains, endpoints, queues, counters, address vectors, and
// registered memory. The libfabric subpackage implements it over the native
// library; fabrictest implements it in memory for tests.
package fabric

import (
	"encoding/hex"
	"time"
)

// EndpointType selects the transport semantics requested from the provider.
type EndpointType int

const (
	EndpointUnspec EndpointType = iota
	EndpointMsg
	EndpointRDM
)

func (e EndpointType) String() string {
	switch e {
	case EndpointUnspec:
		return "unspec"
	case EndpointMsg:
		return "msg"
	case EndpointRDM:
		return "rdm"
	default:
		return "unknown"
	}
}

// Capability is a bitmask of primary capabilities requested in hints.
type Capability uint64

const (
	CapMsg Capability = 1 << iota
	CapRMA
	CapRMAEvent
	CapTrigger
)

// Mode is a bitmask of operational modes the application is prepared to
// honour.
type Mode uint64

const (
	ModeContext Mode = 1 << iota
	ModeLocalMR
)

// ModeAll accepts every mode bit a provider may require.
const ModeAll = ^Mode(0)

// AddrFormat selects the address format requested in hints.
type AddrFormat int

const (
	AddrFormatUnspec AddrFormat = iota
	AddrFormatSockaddr
)

// MRMode selects the memory registration mode requested in hints.
type MRMode int

const (
	MRModeUnspec MRMode = iota
	MRModeBasic
	MRModeScalable
)

// AVType selects the address vector implementation.
type AVType int

const (
	AVUnspec AVType = iota
	AVMap
	AVTable
)

func (t AVType) String() string {
	switch t {
	case AVMap:
		return "map"
	case AVTable:
		return "table"
	default:
		return "unspec"
	}
}

// Version is an interface version passed to the provider during resolution.
// The zero value selects the version the provider was built against.
type Version struct {
	Major uint
	Minor uint
}

// Hints describes the capabilities and addressing a test needs.
type Hints struct {
	EndpointType EndpointType
	Caps         Capability
	Mode         Mode
	AddrFormat   AddrFormat
	MRMode       MRMode
	InjectSize   int
	Provider     string
	Fabric       string
	Domain       string
	Node         string
	Service      string
	// Source resolves Node/Service as the local listening address rather
	// than the destination.
	Source  bool
	Version Version
}

// Address is an opaque provider-defined endpoint name.
type Address []byte

func (a Address) String() string {
	return hex.EncodeToString(a)
}

// Handle is an address table entry returned by AddressVector.Insert.
type Handle uint64

// HandleUnspec matches any source when used for receives.
const HandleUnspec = ^Handle(0)

// BindFlag selects which operations an endpoint reports through a bound
// queue or counter.
type BindFlag uint64

const (
	BindSend BindFlag = 1 << iota
	BindRecv
	BindWrite
	BindRead
	BindRemoteWrite
	BindRemoteRead
)

// Access is the permission set of a memory registration.
type Access uint64

const (
	AccessSend Access = 1 << iota
	AccessRecv
	AccessWrite
	AccessRead
	AccessRemoteWrite
	AccessRemoteRead
)

// WaitObj selects how blocking reads on a queue or counter sleep.
type WaitObj int

const (
	WaitNone WaitObj = iota
	WaitUnspec
	WaitFD
)

// CompletionQueueAttr controls completion queue creation. Entries always use
// the context format.
type CompletionQueueAttr struct {
	Size int
	Wait WaitObj
}

// EventQueueAttr controls event queue creation.
type EventQueueAttr struct {
	Wait WaitObj
}

// CounterAttr controls counter creation. Counters always count completions.
type CounterAttr struct {
	Wait WaitObj
}

// AddressVectorAttr controls address vector creation.
type AddressVectorAttr struct {
	Type  AVType
	Count int
}

// RegisterOptions controls memory registration.
type RegisterOptions struct {
	Access Access
	// Key is the requested remote key. Zero lets the provider choose.
	Key uint64
}

// OpKind identifies the operation a completion belongs to.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpSend
	OpRecv
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Completion is a successfully read completion queue entry.
type Completion struct {
	Op OpKind
}

// EventType enumerates connection management events.
type EventType int

const (
	EventUnknown EventType = iota
	EventConnReq
	EventConnected
	EventShutdown
)

func (t EventType) String() string {
	switch t {
	case EventConnReq:
		return "connreq"
	case EventConnected:
		return "connected"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is a connection management event. Info is set for connect requests
// and must be released with Free by the receiver.
type Event struct {
	Type EventType
	FID  uintptr
	Info Info
}

// Info is a resolved descriptor.
type Info interface {
	Provider() string
	Fabric() string
	Domain() string
	EndpointType() EndpointType
	InjectSize() int
	AVType() AVType
	// DestAddr is the destination resolved from Node/Service, nil for
	// source-side resolution.
	DestAddr() Address
	Free()
}

// Provider resolves hints and opens fabrics.
type Provider interface {
	Name() string
	GetInfo(hints Hints) (Info, error)
	OpenFabric(info Info) (Fabric, error)
}

// Fabric is an opened fabric.
type Fabric interface {
	OpenDomain(info Info) (Domain, error)
	OpenEventQueue(attr EventQueueAttr) (EventQueue, error)
	OpenPassiveEndpoint(info Info) (PassiveEndpoint, error)
	Close() error
}

// Domain is an opened access domain.
type Domain interface {
	OpenEndpoint(info Info) (Endpoint, error)
	OpenCompletionQueue(attr CompletionQueueAttr) (CompletionQueue, error)
	OpenCounter(attr CounterAttr) (Counter, error)
	OpenAddressVector(attr AddressVectorAttr) (AddressVector, error)
	RegisterMemory(size int, opts RegisterOptions) (MemoryRegion, error)
	Close() error
}

// Endpoint is an active endpoint.
type Endpoint interface {
	// ID identifies the endpoint in connection management events.
	ID() uintptr
	BindCompletionQueue(cq CompletionQueue, flags BindFlag) error
	BindCounter(c Counter, flags BindFlag) error
	BindAddressVector(av AddressVector) error
	BindEventQueue(eq EventQueue) error
	Enable() error
	Name() (Address, error)
	// Inject copies buf at submission time and generates no completion.
	Inject(buf []byte, dest Handle) error
	Send(region MemoryRegion, length int, dest Handle) error
	Recv(region MemoryRegion, length int, src Handle) error
	Write(req WriteRequest) error
	Connect(dest Address) error
	Accept() error
	Shutdown() error
	Close() error
}

// PassiveEndpoint listens for connection requests.
type PassiveEndpoint interface {
	BindEventQueue(eq EventQueue) error
	Listen() error
	Name() (Address, error)
	// Reject refuses the pending request described by info.
	Reject(info Info) error
	Close() error
}

// CompletionQueue reports finished operations.
type CompletionQueue interface {
	// Read returns ErrNotReady when the queue is empty and
	// ErrCompletionAvailable when an error entry is waiting for ReadError.
	Read() (Completion, error)
	ReadError() (*CompletionError, error)
	// SyncRead blocks for one entry. A negative timeout waits forever.
	SyncRead(timeout time.Duration) (Completion, error)
	// WaitFD returns a descriptor that polls readable while entries are queued.
	WaitFD() (int, error)
	Close() error
}

// Counter counts completed operations.
type Counter interface {
	Read() uint64
	ReadErr() uint64
	// Wait blocks until the count reaches threshold. A negative timeout waits
	// forever.
	Wait(threshold uint64, timeout time.Duration) error
	Close() error
}

// EventQueue delivers connection management events.
type EventQueue interface {
	// Read blocks for the next event. A negative timeout waits forever.
	Read(timeout time.Duration) (Event, error)
	Close() error
}

// AddressVector maps raw addresses to handles.
type AddressVector interface {
	Insert(addr Address) (Handle, error)
	Close() error
}

// MemoryRegion is a registered buffer.
type MemoryRegion interface {
	Bytes() []byte
	Key() uint64
	Close() error
}
