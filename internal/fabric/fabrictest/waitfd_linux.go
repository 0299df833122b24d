//go:build linux

package fabrictest

import (
	"golang.org/x/sys/unix"
)

func newWaitFD() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}

// signalWaitFD writes one byte per queued entry. A full pipe already reads as
// ready, so EAGAIN is ignored.
func signalWaitFD(w int) {
	_, _ = unix.Write(w, []byte{1})
}

func drainWaitFD(r int) {
	var b [1]byte
	_, _ = unix.Read(r, b[:])
}

func closeWaitFD(r, w int) {
	_ = unix.Close(r)
	_ = unix.Close(w)
}
