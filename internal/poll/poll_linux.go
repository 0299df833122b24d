//go:build linux

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

// Poller is an epoll instance with a descriptor table.
type Poller struct {
	mu     sync.Mutex
	epfd   int
	ids    map[int32]QueueID
	closed bool
}

// New creates an empty poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fabric.Wrap("epoll_create1", errnoOf(err))
	}
	return &Poller{epfd: epfd, ids: make(map[int32]QueueID)}, nil
}

// Add registers fd for input readiness under id.
func (p *Poller) Add(fd int, id QueueID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fabric.Wrap("epoll_ctl", fabric.ErrnoBadState)
	}
	if _, dup := p.ids[int32(fd)]; dup {
		return fabric.Wrap("epoll_ctl", fmt.Errorf("fd %d already registered: %w", fd, fabric.ErrInvalidConfig))
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fabric.Wrap("epoll_ctl", errnoOf(err))
	}
	p.ids[int32(fd)] = id
	return nil
}

// Wait blocks until one registered descriptor is readable and returns its
// id. Interrupted waits are retried.
func (p *Poller) Wait() (QueueID, error) {
	return p.WaitTimeout(-1)
}

// WaitTimeout is Wait with a deadline. A negative timeout waits forever.
func (p *Poller) WaitTimeout(timeout time.Duration) (QueueID, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return QueueNone, fabric.Wrap("epoll_wait", errnoOf(err))
		}
		if n == 0 {
			return QueueNone, fabric.Wrap("epoll_wait", fabric.ErrTimeout)
		}
		p.mu.Lock()
		id, ok := p.ids[events[0].Fd]
		p.mu.Unlock()
		if !ok {
			return QueueNone, fabric.Wrap("epoll_wait", fmt.Errorf("readiness on unregistered fd %d: %w", events[0].Fd, fabric.ErrProtocol))
		}
		return id, nil
	}
}

// Close releases the epoll instance. The registered descriptors belong to
// their queues and stay open.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.ids = nil
	if err := unix.Close(p.epfd); err != nil {
		return fabric.Wrap("close(epfd)", errnoOf(err))
	}
	return nil
}

func errnoOf(err error) error {
	if en, ok := err.(unix.Errno); ok {
		return fabric.Errno(en)
	}
	return err
}
