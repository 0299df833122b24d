//go:build !linux

package poll

import (
	"time"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

// Poller is unavailable off Linux.
type Poller struct{}

func New() (*Poller, error) {
	return nil, fabric.Wrap("epoll_create1", fabric.ErrUnsupported)
}

func (p *Poller) Add(int, QueueID) error {
	return fabric.Wrap("epoll_ctl", fabric.ErrUnsupported)
}

func (p *Poller) Wait() (QueueID, error) {
	return p.WaitTimeout(-1)
}

func (p *Poller) WaitTimeout(time.Duration) (QueueID, error) {
	return QueueNone, fabric.Wrap("epoll_wait", fabric.ErrUnsupported)
}

func (p *Poller) Close() error { return nil }
