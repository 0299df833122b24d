// Package fabrictest provides an in-memory fabric provider. Two sessions
// opened against the same Network exchange messages, RMA writes, and
// connection events as if they were peers on a real fabric, which lets the
// protocol engines be exercised without libfabric.
package fabrictest

import (
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

// ProviderName is reported by the in-memory provider.
const ProviderName = "mem"

// Options configures a Network.
type Options struct {
	// InjectSize is the maximum inline send size. Defaults to 64.
	InjectSize int
	// AVType is reported by resolved descriptors.
	AVType fabric.AVType
}

// Network is the shared medium between in-memory endpoints.
type Network struct {
	mu   sync.Mutex
	cond *sync.Cond
	opts Options

	nextID    uintptr
	endpoints map[string]*endpoint
	listeners map[string]*passiveEndpoint

	failRecv       []fabric.CompletionError
	ignoreTriggers bool
	failAccept     bool
	failInsert     bool
	failDomainAt   int
	domainOpens    int

	openDomains   int
	liveInfos     int
	pendingConnRq int
}

// NewNetwork returns an empty network.
func NewNetwork(opts Options) *Network {
	if opts.InjectSize <= 0 {
		opts.InjectSize = 64
	}
	n := &Network{
		opts:         opts,
		endpoints:    make(map[string]*endpoint),
		listeners:    make(map[string]*passiveEndpoint),
		failDomainAt: -1,
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Provider returns a fabric.Provider bound to the network.
func (n *Network) Provider() fabric.Provider {
	return &provider{net: n}
}

// FailNextRecv makes the next completed receive produce an error entry with
// the given code instead of data.
func (n *Network) FailNextRecv(errno fabric.Errno, providerErr int, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failRecv = append(n.failRecv, fabric.CompletionError{Errno: errno, ProviderErr: providerErr, Msg: msg})
}

// IgnoreTriggers makes triggered writes execute at submission time, as a
// provider without trigger support would.
func (n *Network) IgnoreTriggers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ignoreTriggers = true
}

// FailNextAccept makes the next Accept call fail before the connection is
// established.
func (n *Network) FailNextAccept() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAccept = true
}

// FailNextInsert makes the next address vector insert report that no
// address was inserted.
func (n *Network) FailNextInsert() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failInsert = true
}

// FailDomainOpen makes the domain open with the given zero-based sequence
// number fail.
func (n *Network) FailDomainOpen(seq int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failDomainAt = seq
}

// OpenDomains reports how many domains are currently open.
func (n *Network) OpenDomains() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openDomains
}

// LiveInfos reports descriptors that were handed out and not yet freed.
func (n *Network) LiveInfos() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.liveInfos
}

// PendingConnRequests reports connection requests neither accepted nor
// rejected.
func (n *Network) PendingConnRequests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingConnRq
}

func (n *Network) newID() uintptr {
	n.nextID++
	return n.nextID
}

// waitLocked blocks on the network condition until done returns true or the
// timeout expires. The caller holds n.mu.
func (n *Network) waitLocked(timeout time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			n.mu.Lock()
			n.cond.Broadcast()
			n.mu.Unlock()
		})
		defer timer.Stop()
	}
	for !done() {
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false
		}
		n.cond.Wait()
	}
	return true
}

func addressFor(node, service string) fabric.Address {
	if node == "" {
		node = "localhost"
	}
	return fabric.Address(fmt.Sprintf("mem://%s:%s", node, service))
}

type provider struct {
	net *Network
}

func (p *provider) Name() string {
	return ProviderName
}

func (p *provider) GetInfo(hints fabric.Hints) (fabric.Info, error) {
	if hints.Provider != "" && hints.Provider != ProviderName {
		return nil, fmt.Errorf("fi_getinfo: provider %q: %w", hints.Provider, fabric.ErrNoProvider)
	}
	epType := hints.EndpointType
	if epType == fabric.EndpointUnspec {
		epType = fabric.EndpointRDM
	}
	in := &info{
		net:        p.net,
		epType:     epType,
		fabricName: hints.Fabric,
		domainName: hints.Domain,
		injectSize: p.net.opts.InjectSize,
		avType:     p.net.opts.AVType,
	}
	if in.fabricName == "" {
		in.fabricName = "mem-fabric"
	}
	if in.domainName == "" {
		in.domainName = "mem-domain"
	}
	if hints.Service != "" || hints.Node != "" {
		addr := addressFor(hints.Node, hints.Service)
		if hints.Source {
			in.src = addr
		} else {
			in.dest = addr
		}
	}
	p.net.mu.Lock()
	p.net.liveInfos++
	p.net.mu.Unlock()
	return in, nil
}

func (p *provider) OpenFabric(i fabric.Info) (fabric.Fabric, error) {
	if _, err := asInfo(i); err != nil {
		return nil, fabric.Wrap("fi_fabric", err)
	}
	return &fabricHandle{net: p.net}, nil
}

type info struct {
	net        *Network
	epType     fabric.EndpointType
	fabricName string
	domainName string
	injectSize int
	avType     fabric.AVType
	src        fabric.Address
	dest       fabric.Address
	connReq    *connRequest
	freed      bool
}

func asInfo(i fabric.Info) (*info, error) {
	in, ok := i.(*info)
	if !ok || in == nil {
		return nil, fabric.ErrForeignHandle
	}
	return in, nil
}

func (i *info) Provider() string                  { return ProviderName }
func (i *info) Fabric() string                    { return i.fabricName }
func (i *info) Domain() string                    { return i.domainName }
func (i *info) EndpointType() fabric.EndpointType { return i.epType }
func (i *info) InjectSize() int                   { return i.injectSize }
func (i *info) AVType() fabric.AVType             { return i.avType }
func (i *info) DestAddr() fabric.Address          { return append(fabric.Address(nil), i.dest...) }

func (i *info) Free() {
	i.net.mu.Lock()
	defer i.net.mu.Unlock()
	if i.freed {
		return
	}
	i.freed = true
	i.net.liveInfos--
}

type fabricHandle struct {
	net     *Network
	domains int
	closed  bool
}

func (f *fabricHandle) OpenDomain(i fabric.Info) (fabric.Domain, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_domain", err)
	}
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if f.closed {
		return nil, fabric.Wrap("fi_domain", fabric.ErrnoBadState)
	}
	seq := n.domainOpens
	n.domainOpens++
	if seq == n.failDomainAt {
		return nil, fabric.Wrap("fi_domain", fabric.ErrnoNoMem)
	}
	f.domains++
	n.openDomains++
	return &domain{net: n, fab: f, info: in, regions: make(map[uint64]*memoryRegion), nextKey: 1 << 20}, nil
}

func (f *fabricHandle) OpenEventQueue(attr fabric.EventQueueAttr) (fabric.EventQueue, error) {
	return &eventQueue{net: f.net}, nil
}

func (f *fabricHandle) OpenPassiveEndpoint(i fabric.Info) (fabric.PassiveEndpoint, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_passive_ep", err)
	}
	if in.epType != fabric.EndpointMsg {
		return nil, fabric.Wrap("fi_passive_ep", fabric.ErrnoInval)
	}
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	name := in.src
	if len(name) == 0 {
		name = fabric.Address(fmt.Sprintf("mem://pep/%d", f.net.newID()))
	}
	return &passiveEndpoint{net: f.net, id: f.net.newID(), name: name}, nil
}

func (f *fabricHandle) Close() error {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if f.closed {
		return nil
	}
	if f.domains > 0 {
		return fabric.Wrap("fi_close(fabric)", fabric.ErrnoBusy)
	}
	f.closed = true
	return nil
}

type domain struct {
	net     *Network
	fab     *fabricHandle
	info    *info
	regions map[uint64]*memoryRegion
	nextKey uint64
	closed  bool
}

func (d *domain) OpenEndpoint(i fabric.Info) (fabric.Endpoint, error) {
	in, err := asInfo(i)
	if err != nil {
		return nil, fabric.Wrap("fi_endpoint", err)
	}
	n := d.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if d.closed {
		return nil, fabric.Wrap("fi_endpoint", fabric.ErrnoBadState)
	}
	ep := &endpoint{
		net:        n,
		dom:        d,
		id:         n.newID(),
		epType:     in.epType,
		injectSize: in.injectSize,
		connReq:    in.connReq,
	}
	switch {
	case in.epType == fabric.EndpointRDM && len(in.src) > 0:
		if _, taken := n.endpoints[string(in.src)]; taken {
			return nil, fabric.Wrap("fi_endpoint", fabric.ErrnoAddrInUse)
		}
		ep.name = append(fabric.Address(nil), in.src...)
	default:
		ep.name = fabric.Address(fmt.Sprintf("mem://ep/%d", ep.id))
	}
	n.endpoints[string(ep.name)] = ep
	return ep, nil
}

func (d *domain) OpenCompletionQueue(attr fabric.CompletionQueueAttr) (fabric.CompletionQueue, error) {
	cq := &completionQueue{net: d.net, wait: attr.Wait, readFD: -1, writeFD: -1}
	if attr.Wait == fabric.WaitFD {
		r, w, err := newWaitFD()
		if err != nil {
			return nil, fabric.Wrap("fi_cq_open", err)
		}
		cq.readFD, cq.writeFD = r, w
	}
	return cq, nil
}

func (d *domain) OpenCounter(attr fabric.CounterAttr) (fabric.Counter, error) {
	return &counter{net: d.net}, nil
}

func (d *domain) OpenAddressVector(attr fabric.AddressVectorAttr) (fabric.AddressVector, error) {
	return &addressVector{net: d.net}, nil
}

func (d *domain) RegisterMemory(size int, opts fabric.RegisterOptions) (fabric.MemoryRegion, error) {
	if size <= 0 {
		return nil, fabric.Wrap("fi_mr_reg", fabric.ErrnoInval)
	}
	n := d.net
	n.mu.Lock()
	defer n.mu.Unlock()
	key := opts.Key
	if key == 0 {
		d.nextKey++
		key = d.nextKey
	}
	if _, taken := d.regions[key]; taken {
		return nil, fabric.Wrap("fi_mr_reg", fabric.ErrnoNoKey)
	}
	mr := &memoryRegion{dom: d, buf: make([]byte, size), key: key, access: opts.Access}
	d.regions[key] = mr
	return mr, nil
}

func (d *domain) Close() error {
	n := d.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.fab.domains--
	n.openDomains--
	return nil
}
