//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// connRefused is the exit status of an initiator that found no responder.
const connRefused = 111

type FabtestsSuite struct {
	suite.Suite
	repoRoot  string
	binary    string
	providers []providerConfig
}

func (s *FabtestsSuite) SetupSuite() {
	if os.Getenv("FABTESTS_INTEGRATION") == "" {
		s.T().Skip("set FABTESTS_INTEGRATION=1 to run the two-process tests against libfabric")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
	s.providers = integrationProviders()

	s.binary = filepath.Join(s.T().TempDir(), "fabtests")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	build := exec.CommandContext(ctx, "go", "build", "-o", s.binary, "./cmd/fabtests")
	build.Dir = root
	out, err := build.CombinedOutput()
	require.NoErrorf(s.T(), err, "build fabtests:\n%s", out)
}

func (s *FabtestsSuite) TestPingpong() {
	for _, cfg := range s.providers {
		s.Run(cfg.Provider, func() {
			server, client := s.runPair(cfg, "pingpong", "--size", "64", "--iterations", "100")
			require.Contains(s.T(), client, "64B_lat")
			require.Contains(s.T(), server, "64B_lat")
		})
	}
}

func (s *FabtestsSuite) TestPingpongSweepMachineReadable() {
	for _, cfg := range s.providers {
		s.Run(cfg.Provider, func() {
			_, client := s.runPair(cfg, "pingpong", "--iterations", "10", "--machine-readable")
			require.Contains(s.T(), client, "test: 1B_lat")
			require.Contains(s.T(), client, "xfers_per_iter: 2")
		})
	}
}

func (s *FabtestsSuite) TestRMATrigger() {
	for _, cfg := range s.providers {
		s.Run(cfg.Provider, func() {
			s.runPair(cfg, "rma-trigger", "--timeout", "20s")
		})
	}
}

func (s *FabtestsSuite) TestMsgEpoll() {
	for _, cfg := range s.providers {
		s.Run(cfg.Provider, func() {
			server, _ := s.runPair(cfg, "msg-epoll", "--timeout", "20s")
			require.Contains(s.T(), server, "Hello World!")
		})
	}
}

func (s *FabtestsSuite) TestDomTest() {
	for _, cfg := range s.providers {
		s.Run(cfg.Provider, func() {
			out, code := s.exec(cfg, "dom-test", "--provider", cfg.Provider, "--domains", "4")
			require.Equalf(s.T(), 0, code, "dom-test failed:\n%s", out)
			require.Contains(s.T(), out, "domains opened 4 closed 4")
		})
	}
}

func (s *FabtestsSuite) TestUnknownProviderExitCode() {
	out, code := s.exec(providerConfig{}, "dom-test", "--provider", "no-such-provider")
	require.Equalf(s.T(), 61, code, "unexpected exit status:\n%s", out)
}

// runPair starts the responder, retries the initiator until it finds the
// responder, and returns both outputs.
func (s *FabtestsSuite) runPair(cfg providerConfig, test string, args ...string) (server, client string) {
	port := pickServicePort()
	common := append([]string{test, "--provider", cfg.Provider}, args...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	srv := exec.CommandContext(ctx, s.binary, append(common, "--src-port", port)...)
	srv.Env = cfg.environ()
	var srvOut bytes.Buffer
	srv.Stdout, srv.Stderr = &srvOut, &srvOut
	require.NoError(s.T(), srv.Start(), "start responder")

	var code int
	deadline := time.Now().Add(20 * time.Second)
	for {
		client, code = s.exec(cfg, append([]string{test, cfg.Node, "--provider", cfg.Provider, "--port", port}, args...)...)
		if code != connRefused || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Equalf(s.T(), 0, code, "initiator failed:\n%s", client)

	err := srv.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("responder timeout", "%s responder timed out:\n%s", test, srvOut.String())
	}
	require.NoErrorf(s.T(), err, "responder failed:\n%s", srvOut.String())
	return srvOut.String(), client
}

func (s *FabtestsSuite) exec(cfg providerConfig, args ...string) (string, int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Env = cfg.environ()
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return string(out), 0
	case errors.As(err, &exitErr):
		return string(out), exitErr.ExitCode()
	default:
		s.FailNowf("exec", "run %s: %v", strings.Join(args, " "), err)
		return "", -1
	}
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestFabtests(t *testing.T) {
	suite.Run(t, new(FabtestsSuite))
}
