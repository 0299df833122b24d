//go:build !linux

package fabrictest

import "github.com/rocketbitz/fabtests-go/internal/fabric"

func newWaitFD() (int, int, error) {
	return -1, -1, fabric.ErrUnsupported
}

func signalWaitFD(int) {}

func drainWaitFD(int) {}

func closeWaitFD(int, int) {}
