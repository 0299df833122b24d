// Package perf renders benchmark results as a human-readable table or as
// machine-readable YAML documents.
package perf

import (
	"fmt"
	"io"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// Record is one measured run.
type Record struct {
	Name         string
	Size         int
	Iterations   int
	XfersPerIter int
	Elapsed      time.Duration
}

// Transfers is the number of transfers measured.
func (r Record) Transfers() int64 {
	return int64(r.Iterations) * int64(r.XfersPerIter)
}

// Bytes is the payload volume moved during the run.
func (r Record) Bytes() int64 {
	return r.Transfers() * int64(r.Size)
}

func (r Record) usec() float64 {
	return float64(r.Elapsed) / float64(time.Microsecond)
}

// MBPerSec is the throughput in bytes per microsecond.
func (r Record) MBPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes()) / r.usec()
}

// UsecPerXfer is the mean time of one transfer in microseconds.
func (r Record) UsecPerXfer() float64 {
	if r.Transfers() == 0 {
		return 0
	}
	return r.usec() / float64(r.Transfers())
}

// MxfersPerSec is the transfer rate in millions per second.
func (r Record) MxfersPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Transfers()) / r.usec()
}

// Reporter receives completed runs.
type Reporter interface {
	Report(Record) error
}

// HumanReporter writes a fixed-width table, printing the header before the
// first row.
type HumanReporter struct {
	w      io.Writer
	header bool
}

// NewHumanReporter returns a table reporter writing to w.
func NewHumanReporter(w io.Writer) *HumanReporter {
	return &HumanReporter{w: w}
}

func (h *HumanReporter) Report(r Record) error {
	if !h.header {
		if _, err := fmt.Fprintf(h.w, "%-10s%-8s%-8s%-8s%8s %10s%13s%13s\n",
			"name", "bytes", "iters", "total", "time", "MB/sec", "usec/xfer", "Mxfers/sec"); err != nil {
			return err
		}
		h.header = true
	}
	_, err := fmt.Fprintf(h.w, "%-10s%-8s%-8s%-8s%8.2fs%10.2f%11.2f%11.2f\n",
		r.Name,
		bytefmt.ByteSize(uint64(r.Size)),
		CountString(int64(r.Iterations)),
		bytefmt.ByteSize(uint64(r.Bytes())),
		r.Elapsed.Seconds(),
		r.MBPerSec(),
		r.UsecPerXfer(),
		r.MxfersPerSec(),
	)
	return err
}

// CountString abbreviates a count with a k, m, or b suffix.
func CountString(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%db", n/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%dm", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// Document is the machine-readable form of a Record.
type Document struct {
	Test         string  `yaml:"test"`
	Size         int     `yaml:"size"`
	Iterations   int     `yaml:"iterations"`
	XfersPerIter int     `yaml:"xfers_per_iter"`
	TimeNS       int64   `yaml:"time_ns"`
	Bytes        int64   `yaml:"bytes"`
	MBPerSec     float64 `yaml:"mb_per_sec"`
	UsecPerXfer  float64 `yaml:"usec_per_xfer"`
	Cmd          string  `yaml:"cmd"`
}

// MachineReporter writes one YAML document per run.
type MachineReporter struct {
	enc *yaml.Encoder
	cmd string
}

// NewMachineReporter returns a YAML reporter that tags each document with
// the command line that produced it.
func NewMachineReporter(w io.Writer, argv []string) *MachineReporter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &MachineReporter{enc: enc, cmd: strings.Join(argv, " ")}
}

func (m *MachineReporter) Report(r Record) error {
	return m.enc.Encode(Document{
		Test:         r.Name,
		Size:         r.Size,
		Iterations:   r.Iterations,
		XfersPerIter: r.XfersPerIter,
		TimeNS:       r.Elapsed.Nanoseconds(),
		Bytes:        r.Bytes(),
		MBPerSec:     r.MBPerSec(),
		UsecPerXfer:  r.UsecPerXfer(),
		Cmd:          m.cmd,
	})
}

// Close flushes the encoder.
func (m *MachineReporter) Close() error {
	return m.enc.Close()
}
