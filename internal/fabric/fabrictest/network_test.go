package fabrictest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

type rdmPeer struct {
	fab    fabric.Fabric
	dom    fabric.Domain
	ep     fabric.Endpoint
	tx, rx fabric.CompletionQueue
	av     fabric.AddressVector
	mr     fabric.MemoryRegion
	cntr   fabric.Counter
}

func openRDM(t *testing.T, net *Network, service string, key uint64) *rdmPeer {
	t.Helper()
	p := net.Provider()
	in, err := p.GetInfo(fabric.Hints{EndpointType: fabric.EndpointRDM, Service: service, Source: true})
	require.NoError(t, err)
	t.Cleanup(in.Free)

	r := &rdmPeer{}
	r.fab, err = p.OpenFabric(in)
	require.NoError(t, err)
	r.dom, err = r.fab.OpenDomain(in)
	require.NoError(t, err)
	r.ep, err = r.dom.OpenEndpoint(in)
	require.NoError(t, err)
	r.tx, err = r.dom.OpenCompletionQueue(fabric.CompletionQueueAttr{Size: 16})
	require.NoError(t, err)
	r.rx, err = r.dom.OpenCompletionQueue(fabric.CompletionQueueAttr{Size: 16})
	require.NoError(t, err)
	r.av, err = r.dom.OpenAddressVector(fabric.AddressVectorAttr{Type: fabric.AVMap, Count: 1})
	require.NoError(t, err)
	r.cntr, err = r.dom.OpenCounter(fabric.CounterAttr{})
	require.NoError(t, err)
	r.mr, err = r.dom.RegisterMemory(32, fabric.RegisterOptions{Access: fabric.AccessSend | fabric.AccessRecv | fabric.AccessRemoteWrite, Key: key})
	require.NoError(t, err)

	require.NoError(t, r.ep.BindCompletionQueue(r.tx, fabric.BindSend))
	require.NoError(t, r.ep.BindCompletionQueue(r.rx, fabric.BindRecv))
	require.NoError(t, r.ep.BindCounter(r.cntr, fabric.BindRemoteWrite))
	require.NoError(t, r.ep.BindAddressVector(r.av))
	require.NoError(t, r.ep.Enable())
	t.Cleanup(func() {
		for _, c := range []interface{ Close() error }{r.ep, r.mr, r.av, r.cntr, r.rx, r.tx, r.dom, r.fab} {
			_ = c.Close()
		}
	})
	return r
}

func (r *rdmPeer) insert(t *testing.T, peer *rdmPeer) fabric.Handle {
	t.Helper()
	name, err := peer.ep.Name()
	require.NoError(t, err)
	h, err := r.av.Insert(name)
	require.NoError(t, err)
	return h
}

func TestInjectMatchesPostedAndUnexpectedReceives(t *testing.T) {
	net := NewNetwork(Options{})
	a, b := openRDM(t, net, "7001", 0), openRDM(t, net, "7002", 0)
	toB := a.insert(t, b)

	require.NoError(t, b.ep.Recv(b.mr, 32, fabric.HandleUnspec))
	require.NoError(t, a.ep.Inject([]byte("one"), toB))
	comp, err := b.rx.Read()
	require.NoError(t, err)
	require.Equal(t, fabric.OpRecv, comp.Op)
	require.Equal(t, "one", string(b.mr.Bytes()[:3]))

	require.NoError(t, a.ep.Inject([]byte("two"), toB))
	_, err = b.rx.Read()
	require.ErrorIs(t, err, fabric.ErrNotReady)
	require.NoError(t, b.ep.Recv(b.mr, 32, fabric.HandleUnspec))
	_, err = b.rx.Read()
	require.NoError(t, err)
	require.Equal(t, "two", string(b.mr.Bytes()[:3]))

	_, err = a.tx.Read()
	require.ErrorIs(t, err, fabric.ErrNotReady, "inject must not generate a send completion")
}

func TestInjectAboveLimit(t *testing.T) {
	net := NewNetwork(Options{InjectSize: 8})
	a, b := openRDM(t, net, "7001", 0), openRDM(t, net, "7002", 0)
	err := a.ep.Inject(make([]byte, 9), a.insert(t, b))
	require.ErrorIs(t, err, fabric.ErrnoInval)
}

func TestTruncatedReceiveQueuesErrorEntry(t *testing.T) {
	net := NewNetwork(Options{})
	a, b := openRDM(t, net, "7001", 0), openRDM(t, net, "7002", 0)

	require.NoError(t, b.ep.Recv(b.mr, 2, fabric.HandleUnspec))
	require.NoError(t, a.ep.Inject([]byte("toolong"), a.insert(t, b)))

	_, err := b.rx.Read()
	require.ErrorIs(t, err, fabric.ErrCompletionAvailable)
	ce, err := b.rx.ReadError()
	require.NoError(t, err)
	require.Equal(t, fabric.ErrnoTrunc, ce.Errno)
	require.Equal(t, fabric.OpRecv, ce.Op)
	_, err = b.rx.ReadError()
	require.ErrorIs(t, err, fabric.ErrNotReady)
}

func TestWriteToUnknownKeyFails(t *testing.T) {
	net := NewNetwork(Options{})
	a, b := openRDM(t, net, "7001", 0), openRDM(t, net, "7002", 99)

	err := a.ep.Write(fabric.WriteRequest{Region: a.mr, Length: 4, Dest: a.insert(t, b), Key: 100})
	require.NoError(t, err)
	ce, err := a.tx.ReadError()
	require.NoError(t, err)
	require.Equal(t, fabric.ErrnoNoKey, ce.Errno)
	require.Zero(t, b.cntr.Read())
}

func TestThresholdWriteWaitsForCounter(t *testing.T) {
	net := NewNetwork(Options{})
	a, b := openRDM(t, net, "7001", 0), openRDM(t, net, "7002", 5)
	toB := a.insert(t, b)
	copy(a.mr.Bytes(), "abcdefgh")

	require.NoError(t, a.ep.BindCounter(a.cntr, fabric.BindWrite))
	held := fabric.WriteRequest{Region: a.mr, Offset: 4, Length: 4, Dest: toB, Key: 5, Condition: fabric.Threshold{Counter: a.cntr, Value: 1}}
	require.NoError(t, a.ep.Write(held))
	require.Zero(t, b.cntr.Read())

	require.NoError(t, a.ep.Write(fabric.WriteRequest{Region: a.mr, Length: 4, Dest: toB, Key: 5}))
	require.NoError(t, b.cntr.Wait(2, time.Second))
	require.Equal(t, "efgh", string(b.mr.Bytes()[:4]))
}

func TestCounterWaitTimesOut(t *testing.T) {
	net := NewNetwork(Options{})
	a := openRDM(t, net, "7001", 0)
	err := a.cntr.Wait(1, 10*time.Millisecond)
	require.ErrorIs(t, err, fabric.ErrTimeout)
}

func TestEnableRequiresAddressVector(t *testing.T) {
	net := NewNetwork(Options{})
	p := net.Provider()
	in, err := p.GetInfo(fabric.Hints{EndpointType: fabric.EndpointRDM})
	require.NoError(t, err)
	defer in.Free()
	fab, err := p.OpenFabric(in)
	require.NoError(t, err)
	dom, err := fab.OpenDomain(in)
	require.NoError(t, err)
	ep, err := dom.OpenEndpoint(in)
	require.NoError(t, err)

	require.ErrorIs(t, ep.Enable(), fabric.ErrnoNoAV)
	require.ErrorIs(t, fab.Close(), fabric.ErrnoBusy)
	require.NoError(t, ep.Close())
	require.NoError(t, dom.Close())
	require.NoError(t, fab.Close())
	require.Zero(t, net.OpenDomains())
}

func TestSourceAddressInUse(t *testing.T) {
	net := NewNetwork(Options{})
	openRDM(t, net, "7001", 0)

	p := net.Provider()
	in, err := p.GetInfo(fabric.Hints{EndpointType: fabric.EndpointRDM, Service: "7001", Source: true})
	require.NoError(t, err)
	defer in.Free()
	fab, err := p.OpenFabric(in)
	require.NoError(t, err)
	dom, err := fab.OpenDomain(in)
	require.NoError(t, err)
	defer dom.Close()
	_, err = dom.OpenEndpoint(in)
	require.ErrorIs(t, err, fabric.ErrnoAddrInUse)
}

func TestInfoAccounting(t *testing.T) {
	net := NewNetwork(Options{InjectSize: 128})
	in, err := net.Provider().GetInfo(fabric.Hints{Node: "peer", Service: "7003"})
	require.NoError(t, err)
	require.Equal(t, 1, net.LiveInfos())
	require.Equal(t, fabric.EndpointRDM, in.EndpointType())
	require.Equal(t, 128, in.InjectSize())
	require.Equal(t, "mem://peer:7003", string(in.DestAddr()))
	in.Free()
	in.Free()
	require.Zero(t, net.LiveInfos())

	_, err = net.Provider().GetInfo(fabric.Hints{Provider: "verbs"})
	require.ErrorIs(t, err, fabric.ErrNoProvider)
}
