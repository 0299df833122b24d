package perf

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleRecord() Record {
	return Record{Name: "64B_lat", Size: 64, Iterations: 1000, XfersPerIter: 2, Elapsed: 4 * time.Millisecond}
}

func TestRecordDerivedValues(t *testing.T) {
	r := sampleRecord()
	require.Equal(t, int64(2000), r.Transfers())
	require.Equal(t, int64(128000), r.Bytes())
	require.InDelta(t, 32.0, r.MBPerSec(), 1e-9)
	require.InDelta(t, 2.0, r.UsecPerXfer(), 1e-9)
	require.InDelta(t, 0.5, r.MxfersPerSec(), 1e-9)

	zero := Record{Name: "x", Size: 1}
	require.Zero(t, zero.MBPerSec())
	require.Zero(t, zero.UsecPerXfer())
	require.Zero(t, zero.MxfersPerSec())
}

func TestCountString(t *testing.T) {
	cases := map[int64]string{
		7:             "7",
		1000:          "1k",
		25_000:        "25k",
		3_000_000:     "3m",
		2_000_000_000: "2b",
	}
	for n, want := range cases {
		require.Equal(t, want, CountString(n), "count %d", n)
	}
}

func TestHumanReporterPrintsHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	rep := NewHumanReporter(&buf)
	require.NoError(t, rep.Report(sampleRecord()))
	second := sampleRecord()
	second.Name, second.Size = "4K_lat", 4096
	require.NoError(t, rep.Report(second))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "name"))
	require.Contains(t, lines[0], "Mxfers/sec")
	require.True(t, strings.HasPrefix(lines[1], "64B_lat"))
	require.Contains(t, lines[1], "1k")
	require.Contains(t, lines[1], "0.00s")
	require.Contains(t, lines[1], "32.00")
	require.True(t, strings.HasPrefix(lines[2], "4K_lat"))
	require.Contains(t, lines[2], "4K")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestHumanReporterWriteError(t *testing.T) {
	rep := NewHumanReporter(failingWriter{})
	require.Error(t, rep.Report(sampleRecord()))
}

func TestMachineReporterDocuments(t *testing.T) {
	var buf bytes.Buffer
	rep := NewMachineReporter(&buf, []string{"fabtests", "pingpong", "-S", "64"})
	require.NoError(t, rep.Report(sampleRecord()))
	require.NoError(t, rep.Report(sampleRecord()))
	require.NoError(t, rep.Close())

	dec := yaml.NewDecoder(&buf)
	var docs []Document
	for {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	require.Len(t, docs, 2)
	require.Equal(t, "64B_lat", docs[0].Test)
	require.Equal(t, 64, docs[0].Size)
	require.Equal(t, 2, docs[0].XfersPerIter)
	require.Equal(t, int64(4_000_000), docs[0].TimeNS)
	require.Equal(t, int64(128000), docs[0].Bytes)
	require.Equal(t, "fabtests pingpong -S 64", docs[0].Cmd)
}
