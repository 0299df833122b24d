package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/fabric/fabrictest"
)

func memProvider(net *fabrictest.Network) providerFunc {
	return func() (fabric.Provider, error) { return net.Provider(), nil }
}

func runCLI(net *fabrictest.Network, args ...string) (int, string) {
	var out bytes.Buffer
	code := run(append(args, "--log-level", "error"), &out, &out, memProvider(net))
	return code, out.String()
}

type outcome struct {
	code int
	out  string
}

// runPair starts the responder, then retries the initiator until the
// responder is reachable.
func runPair(t *testing.T, net *fabrictest.Network, server, client []string) (srv, cl outcome) {
	t.Helper()
	done := make(chan outcome, 1)
	go func() {
		code, out := runCLI(net, server...)
		done <- outcome{code, out}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		code, out := runCLI(net, client...)
		if code != int(fabric.ErrnoConnRefused) || time.Now().After(deadline) {
			cl = outcome{code, out}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return <-done, cl
}

func TestDomTest(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	code, out := runCLI(net, "dom-test", "--domains", "3")
	require.Equal(t, 0, code, out)
	require.Contains(t, out, "domains opened 3 closed 3")
}

func TestDomTestFailureExitCode(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	net.FailDomainOpen(1)
	code, out := runCLI(net, "dom-test", "-n", "2")
	require.Equal(t, int(fabric.ErrnoNoMem), code)
	require.Contains(t, out, "domains opened 1 closed 1")
}

func TestInvalidConfigExitCode(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	code, _ := runCLI(net, "dom-test", "--domains", "0")
	require.Equal(t, int(fabric.ErrnoInval), code)

	code, _ = runCLI(net, "pingpong", "--sweep", "everything")
	require.Equal(t, int(fabric.ErrnoInval), code)
}

func TestUnknownProviderExitCode(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	code, _ := runCLI(net, "dom-test", "--provider", "verbs")
	require.Equal(t, int(fabric.ErrnoNoData), code)
}

func TestProviderUnavailable(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"dom-test", "--log-level", "error"}, &out, &out, func() (fabric.Provider, error) {
		return nil, fabric.ErrUnsupported
	})
	require.Equal(t, int(fabric.ErrnoNoSys), code)
}

func TestPingpongPair(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 128})
	srv, cl := runPair(t, net,
		[]string{"pingpong", "--size", "32", "-I", "3"},
		[]string{"pingpong", "localhost", "--size", "32", "-I", "3"},
	)
	require.Equal(t, 0, srv.code, srv.out)
	require.Equal(t, 0, cl.code, cl.out)
	require.Contains(t, cl.out, "32B_lat")
	require.Contains(t, srv.out, "32B_lat")
}

func TestPingpongMachineReadable(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	srv, cl := runPair(t, net,
		[]string{"pingpong", "-S", "16", "-I", "2", "--machine-readable"},
		[]string{"pingpong", "localhost", "-S", "16", "-I", "2", "--machine-readable"},
	)
	require.Equal(t, 0, srv.code, srv.out)
	require.Equal(t, 0, cl.code, cl.out)
	require.Contains(t, cl.out, "test: 16B_lat")
	require.Contains(t, cl.out, "xfers_per_iter: 2")
}

func TestPingpongSizeAboveInject(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{InjectSize: 64})
	code, _ := runCLI(net, "pingpong", "localhost", "--size", "128")
	require.Equal(t, int(fabric.ErrnoInval), code)
}

func TestTriggerPair(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	srv, cl := runPair(t, net,
		[]string{"rma-trigger", "--timeout", "5s"},
		[]string{"rma-trigger", "localhost", "--timeout", "5s"},
	)
	require.Equal(t, 0, cl.code, cl.out)
	require.Equal(t, 0, srv.code, srv.out)
}

func TestMsgEpollPair(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	srv, cl := runPair(t, net,
		[]string{"msg-epoll", "--timeout", "5s"},
		[]string{"msg-epoll", "localhost", "--timeout", "5s"},
	)
	require.Equal(t, 0, cl.code, cl.out)
	require.Equal(t, 0, srv.code, srv.out)
	require.Equal(t, "Hello World!", strings.TrimSpace(srv.out))
	require.Zero(t, net.OpenDomains())
}

func TestPrometheusMetricsFile(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	path := filepath.Join(t.TempDir(), "fabtests.prom")
	code, out := runCLI(net, "dom-test", "--metrics", "prometheus", "--metrics-file", path)
	require.Equal(t, 0, code, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "fabtests_run_completed_total")
	require.Contains(t, string(data), `test="dom_test"`)
}

func TestOTelMetricsFile(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	path := filepath.Join(t.TempDir(), "fabtests.yaml")
	code, out := runCLI(net, "dom-test", "--metrics", "otel", "--metrics-file", path)
	require.Equal(t, 0, code, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "fabtests.run.completed: 1")
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	net := fabrictest.NewNetwork(fabrictest.Options{})
	path := filepath.Join(t.TempDir(), "fabtests.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: 0\n"), 0o600))

	code, _ := runCLI(net, "dom-test", "--config", path)
	require.Equal(t, int(fabric.ErrnoInval), code)

	code, out := runCLI(net, "dom-test", "--config", path, "--domains", "2")
	require.Equal(t, 0, code, out)
	require.Contains(t, out, "domains opened 2 closed 2")
}
