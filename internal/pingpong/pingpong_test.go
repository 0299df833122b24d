package pingpong

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/fabtests-go/internal/addrx"
	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/fabric/fabrictest"
	"github.com/rocketbitz/fabtests-go/internal/perf"
	"github.com/rocketbitz/fabtests-go/internal/session"
	"github.com/rocketbitz/fabtests-go/internal/telemetry"
)

const port = "9228"

type metricRecorder struct {
	telemetry.NopMetrics
	mu        sync.Mutex
	started   int
	completed int
	skipped   int
	failed    int
	cqErrors  int
	tests     []string
}

func (m *metricRecorder) RunStarted(attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	m.tests = append(m.tests, attrs[telemetry.LabelTest])
}

func (m *metricRecorder) RunCompleted(time.Duration, int, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *metricRecorder) RunSkipped(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *metricRecorder) RunFailed(error, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *metricRecorder) CompletionError(string, error, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cqErrors++
}

func openPair(t *testing.T, net *fabrictest.Network, size int, metrics telemetry.MetricHook) (server, client *session.Session) {
	t.Helper()
	opts := SessionOptions(size)
	opts.SrcPort = port
	opts.Metrics = metrics
	server, err := session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	opts = SessionOptions(size)
	opts.DestAddr, opts.DestPort = "localhost", port
	opts.Metrics = metrics
	client, err = session.Open(net.Provider(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func exchangePair(t *testing.T, server, client *session.Session) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- addrx.Exchange(server) }()
	require.NoError(t, addrx.Exchange(client))
	require.NoError(t, <-done)
}

func TestSizes(t *testing.T) {
	quick := Sizes(LevelQuick)
	all := Sizes(LevelAll)
	require.Equal(t, 1, quick[0])
	require.Equal(t, 1<<maxSizeShift, quick[len(quick)-1])
	require.Len(t, quick, maxSizeShift+1)
	require.Len(t, all, 2*maxSizeShift+1)
	require.Contains(t, all, 96)
	require.NotContains(t, quick, 96)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1], all[i])
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, LevelQuick, lvl)
	lvl, err = ParseLevel("ALL")
	require.NoError(t, err)
	require.Equal(t, LevelAll, lvl)
	require.Equal(t, "all", lvl.String())
	_, err = ParseLevel("some")
	require.Error(t, err)
}

func TestResult(t *testing.T) {
	r := Result{Size: 64, Iterations: 1000, Elapsed: 2 * time.Millisecond, Multiplier: XfersPerIter}
	require.Equal(t, 2*time.Microsecond, r.Latency())
	require.Equal(t, 2000, r.Transfers())
	rec := r.Record()
	require.Equal(t, 2, rec.XfersPerIter)
	require.Equal(t, int64(128000), rec.Bytes())
	require.Zero(t, Result{}.Latency())
}

func TestName(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	_, client := openPair(t, net, 0, nil)
	require.Equal(t, "64B_lat", New(client, Options{}).Name(64))
	require.Equal(t, "4K_lat", New(client, Options{}).Name(4096))
	require.Equal(t, "custom", New(client, Options{Name: "custom"}).Name(64))
}

func TestRunTestSweep(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	metrics := &metricRecorder{}
	server, client := openPair(t, net, 0, metrics)

	var report bytes.Buffer
	type outcome struct {
		results []Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := RunTest(server, Config{Iterations: 5})
		done <- outcome{res, err}
	}()
	clientResults, err := RunTest(client, Config{Iterations: 5, Options: Options{Reporter: perf.NewHumanReporter(&report)}})
	require.NoError(t, err)
	serverOut := <-done
	require.NoError(t, serverOut.err)

	require.Len(t, clientResults, len(Sizes(LevelQuick)))
	require.Len(t, serverOut.results, len(clientResults))
	measured := 0
	for i, res := range clientResults {
		require.Equal(t, serverOut.results[i].Skipped, res.Skipped)
		if res.Size > 64 {
			require.True(t, res.Skipped, "size %d", res.Size)
			continue
		}
		measured++
		require.False(t, res.Skipped)
		require.Equal(t, 5, res.Iterations)
		require.Equal(t, 10, res.Transfers())
		require.Positive(t, res.Elapsed)
	}
	require.Equal(t, 7, measured)

	lines := strings.Split(strings.TrimRight(report.String(), "\n"), "\n")
	require.Len(t, lines, measured+1)
	require.True(t, strings.HasPrefix(lines[1], "1B_lat"))
	require.True(t, strings.HasPrefix(lines[measured], "64B_lat"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Equal(t, 2*measured, metrics.started)
	require.Equal(t, 2*measured, metrics.completed)
	require.Equal(t, 2*(len(clientResults)-measured), metrics.skipped)
	require.Zero(t, metrics.failed)
}

func TestRunTestExplicitSize(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 256})
	server, client := openPair(t, net, 128, nil)

	done := make(chan error, 1)
	go func() {
		_, err := RunTest(server, Config{Size: 128, Iterations: 3})
		done <- err
	}()
	results, err := RunTest(client, Config{Size: 128, Iterations: 3})
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Len(t, results, 1)
	require.Equal(t, "128B_lat", results[0].Name)
	require.Equal(t, 3, results[0].Iterations)
}

func TestRunTestRejectsOversizedExplicitSize(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	_, client := openPair(t, net, 0, nil)

	_, err := RunTest(client, Config{Size: 128})
	require.ErrorIs(t, err, ErrSizeTooLarge)
	require.ErrorIs(t, err, fabric.ErrInvalidSize)
	require.Contains(t, err.Error(), "msg size greater than max inject size")
	require.False(t, client.HasPeer)
}

func TestRunSkipsOversizedSize(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	metrics := &metricRecorder{}
	_, client := openPair(t, net, 0, metrics)

	res, err := New(client, Options{}).Run(65, 10)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Zero(t, res.Elapsed)
	require.Equal(t, 1, metrics.skipped)
	require.Zero(t, metrics.started)
}

func TestSendTooLarge(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	_, client := openPair(t, net, 0, nil)

	err := New(client, Options{}).Send(65)
	require.ErrorIs(t, err, fabric.ErrInvalidSize)
	require.Equal(t, int(fabric.ErrnoInval), fabric.ExitCode(err))
}

func TestReceiveReportsCompletionError(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	metrics := &metricRecorder{}
	server, client := openPair(t, net, 0, metrics)
	exchangePair(t, server, client)

	core, logs := observer.New(zapcore.DebugLevel)
	server.Logger = zap.New(core).Sugar()

	net.FailNextRecv(fabric.ErrnoTrunc, 42, "provider says no")
	require.NoError(t, New(client, Options{}).Send(8))

	err := New(server, Options{}).Receive(8)
	var ce *fabric.CompletionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "rxcq", ce.Queue)
	require.Equal(t, fabric.OpRecv, ce.Op)
	require.Equal(t, 42, ce.ProviderErr)
	require.Equal(t, "provider says no", ce.Msg)
	require.Equal(t, 1, metrics.cqErrors)
	require.Equal(t, 1, logs.FilterMessage("completion error").Len())
}

func TestReceiveRepostsAfterCompletion(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	server, client := openPair(t, net, 0, nil)
	exchangePair(t, server, client)

	sender := New(client, Options{})
	receiver := New(server, Options{})
	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(32))
		require.NoError(t, receiver.Receive(32))
	}
}

func TestSessionOptionsRequestInjectSize(t *testing.T) {
	require.Equal(t, 128, SessionOptions(128).Hints.InjectSize)
	require.Equal(t, DefaultSize, SessionOptions(0).Hints.InjectSize)
	require.Equal(t, fabric.EndpointRDM, SessionOptions(0).Hints.EndpointType)
}

func TestSendDeliversPayload(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	server, client := openPair(t, net, 0, nil)
	exchangePair(t, server, client)

	sender := New(client, Options{})
	receiver := New(server, Options{})
	for _, size := range []int{1, 7, 40, sender.MaxInject()} {
		for i := range sender.tx {
			sender.tx[i] = byte(size + i*31)
		}
		require.NoError(t, sender.Send(size))
		require.NoError(t, receiver.Receive(size))
		require.Equal(t, sender.tx[:size], server.Region.Bytes()[:size], "size %d", size)
	}
}
