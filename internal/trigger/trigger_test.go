package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/fabric/fabrictest"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

const port = "9229"

func openPair(t *testing.T, net *fabrictest.Network) (server, client *session.Session) {
	t.Helper()
	opts := SessionOptions()
	opts.SrcPort = port
	server, err := session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	opts = SessionOptions()
	opts.DestAddr, opts.DestPort = "localhost", port
	client, err = session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func observe(s *session.Session) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	s.Logger = zap.New(core).Sugar()
	return logs
}

func TestHintsAndLayout(t *testing.T) {
	h := Hints()
	require.Equal(t, fabric.EndpointRDM, h.EndpointType)
	require.Equal(t, fabric.CapMsg|fabric.CapRMA|fabric.CapRMAEvent|fabric.CapTrigger, h.Caps)
	require.Equal(t, fabric.MRModeScalable, h.MRMode)
	require.Equal(t, 38, BufferSize)

	opts := SessionOptions()
	require.True(t, opts.Counters)
	require.False(t, opts.CompletionQueues)
	require.Equal(t, RemoteKey, opts.Buffer.Key)
	require.Equal(t, uint64(45678), RemoteKey)
}

func TestTriggeredWriteLandsLast(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)
	require.Equal(t, RemoteKey, server.Region.Key())
	serverLogs := observe(server)

	done := make(chan error, 1)
	go func() { done <- New(server, 5*time.Second).Run() }()

	require.NoError(t, New(client, 5*time.Second).Run())
	require.NoError(t, <-done)

	require.Equal(t, uint64(2), client.TxCounter.Read())
	require.Equal(t, uint64(2), server.RxCounter.Read())
	require.Equal(t, Text2, string(server.Region.Bytes()[:len(Text2)]))
	require.Equal(t, 1, serverLogs.FilterMessage("Data check OK").Len())
}

func TestTriggeredWriteIsHeldUntilThreshold(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net)
	_, err := client.InsertPeer(client.PeerAddr)
	require.NoError(t, err)

	e := New(client, time.Second)
	copy(client.Region.Bytes(), Text1+Text2)
	require.NoError(t, e.WriteTriggered(len(Text1), len(Text2), client.TxCounter, 1))
	require.Zero(t, server.RxCounter.Read())
	require.Zero(t, client.TxCounter.Read())

	require.NoError(t, e.Write(0, len(Text1), nil))
	require.NoError(t, client.TxCounter.Wait(2, time.Second))
	require.Equal(t, uint64(2), server.RxCounter.Read())
}

func TestResponderDetectsCorruption(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	net.IgnoreTriggers()
	server, client := openPair(t, net)
	serverLogs := observe(server)

	done := make(chan error, 1)
	go func() { done <- New(server, 5*time.Second).RunResponder() }()
	require.NoError(t, New(client, 5*time.Second).RunInitiator())

	err := <-done
	require.ErrorIs(t, err, fabric.ErrDataCorruption)
	require.Equal(t, 1, fabric.ExitCode(err))
	require.Equal(t, 1, serverLogs.FilterMessage("*** Data corruption").Len())
	require.Equal(t, Text1, string(server.Region.Bytes()[:len(Text1)]))
}

func TestResponderTimesOut(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, _ := openPair(t, net)

	err := New(server, 20*time.Millisecond).RunResponder()
	require.ErrorIs(t, err, fabric.ErrTimeout)
}

func TestWriteWithoutPeerFails(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	_, client := openPair(t, net)

	err := New(client, Forever).Write(0, 4, fabric.Immediate{})
	require.Error(t, err)
}
