package addrx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/fabric/fabrictest"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

const port = "9228"

func openPair(t *testing.T, net *fabrictest.Network) (server, client *session.Session) {
	t.Helper()
	opts := session.Options{
		Hints:            fabric.Hints{EndpointType: fabric.EndpointRDM, Caps: fabric.CapMsg},
		SrcPort:          port,
		CompletionQueues: true,
		Buffer:           session.BufferOptions{FitInject: true},
	}
	server, err := session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	opts.DestAddr, opts.DestPort = "localhost", port
	client, err = session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestEncodeDecode(t *testing.T) {
	addr := fabric.Address("mem://localhost:9228")
	payload := Encode(addr)
	require.Len(t, payload, PrefixSize+len(addr))
	require.Equal(t, uint64(len(addr)), binary.NativeEndian.Uint64(payload))

	got, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	padded := append(payload, make([]byte, 32)...)
	got, err = Decode(padded)
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, fabric.ErrProtocol)

	long := make([]byte, PrefixSize+4)
	binary.NativeEndian.PutUint64(long, 5)
	_, err = Decode(long)
	require.ErrorIs(t, err, fabric.ErrProtocol)

	_, err = Decode(make([]byte, PrefixSize+4))
	require.ErrorIs(t, err, fabric.ErrProtocol)
}

func TestExchange(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)

	done := make(chan error, 1)
	go func() { done <- Exchange(server) }()
	require.NoError(t, Exchange(client))
	require.NoError(t, <-done)

	require.True(t, server.HasPeer)
	require.True(t, client.HasPeer)

	clientName, err := client.Endpoint.Name()
	require.NoError(t, err)

	// The standing receives are addressed to the peers: traffic flows both ways.
	require.NoError(t, client.Endpoint.Inject([]byte("ping"), client.Peer))
	_, err = server.RxCQ.SyncRead(-1)
	require.NoError(t, err)
	require.Equal(t, "ping", string(server.Region.Bytes()[:4]))

	require.NoError(t, server.Endpoint.Inject(clientName[:4], server.Peer))
	_, err = client.RxCQ.SyncRead(-1)
	require.NoError(t, err)
	require.Equal(t, string(clientName[:4]), string(client.Region.Bytes()[:4]))
}

func TestExchangePayloadExceedsInject(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 12})
	opts := session.Options{
		Hints:            fabric.Hints{EndpointType: fabric.EndpointRDM},
		DestAddr:         "localhost",
		DestPort:         port,
		CompletionQueues: true,
		Buffer:           session.BufferOptions{FitInject: true},
	}
	client, err := session.Open(net.Provider(), opts)
	require.NoError(t, err)
	defer client.Close()

	err = Exchange(client)
	require.ErrorIs(t, err, fabric.ErrInvalidSize)
	require.Equal(t, int(fabric.ErrnoInval), fabric.ExitCode(err))
}

func TestExchangeResponderCompletionError(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)
	net.FailNextRecv(fabric.ErrnoTrunc, 7, "injected failure")

	name, err := client.Endpoint.Name()
	require.NoError(t, err)
	_, err = client.InsertPeer(client.PeerAddr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Exchange(server) }()
	require.NoError(t, client.Endpoint.Inject(Encode(name), client.Peer))

	err = <-done
	var ce *fabric.CompletionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "rxcq", ce.Queue)
	require.Equal(t, fabric.ErrnoTrunc, ce.Errno)
	require.Equal(t, 7, ce.ProviderErr)
	require.False(t, server.HasPeer)
}

func TestExchangeResponderRejectsGarbage(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)
	_, err := client.InsertPeer(client.PeerAddr)
	require.NoError(t, err)

	bogus := make([]byte, 24)
	binary.NativeEndian.PutUint64(bogus, 1000)

	done := make(chan error, 1)
	go func() { done <- Exchange(server) }()
	require.NoError(t, client.Endpoint.Inject(bogus, client.Peer))
	require.ErrorIs(t, <-done, fabric.ErrProtocol)
}

func TestExchangeRejectsSecondPeerInsert(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)

	done := make(chan error, 1)
	go func() { done <- Exchange(server) }()
	require.NoError(t, Exchange(client))
	require.NoError(t, <-done)

	peer := client.Peer
	_, err := client.InsertPeer(client.PeerAddr)
	require.ErrorIs(t, err, fabric.ErrProtocol)
	require.Equal(t, peer, client.Peer)
}

func TestExchangeInitiatorInsertCountMismatch(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	_, client := openPair(t, net)
	net.FailNextInsert()

	err := Exchange(client)
	require.ErrorIs(t, err, fabric.ErrProtocol)
	require.False(t, client.HasPeer)
}

func TestExchangeResponderInsertCountMismatch(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)
	name, err := client.Endpoint.Name()
	require.NoError(t, err)
	_, err = client.InsertPeer(client.PeerAddr)
	require.NoError(t, err)
	net.FailNextInsert()

	done := make(chan error, 1)
	go func() { done <- Exchange(server) }()
	require.NoError(t, client.Endpoint.Inject(Encode(name), client.Peer))

	require.ErrorIs(t, <-done, fabric.ErrProtocol)
	require.False(t, server.HasPeer)
}
