//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const clientFlags = unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Event
}

// NewPoller creates a new Poller able to report up to maxEvents per Wait.
func NewPoller(maxEvents int) (*EpollPoller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}, nil
}

// Watch adds fd with level-triggered read interest.
func (p *EpollPoller) Watch(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Register adds a client fd, edge-triggered and oneshot.
func (p *EpollPoller) Register(fd int, interest Interest) error {
	ev := unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Rearm re-enables a oneshot registration with a new interest.
func (p *EpollPoller) Rearm(fd int, interest Interest) error {
	ev := unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		var flags uint8
		if ev.Events&unix.EPOLLIN != 0 {
			flags |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			flags |= EventWrite
		}
		if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			flags |= EventHangup
		}
		p.ready = append(p.ready, Event{Fd: int(ev.Fd), Flags: flags})
	}

	return p.ready, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}

func epollEvents(interest Interest) uint32 {
	events := uint32(clientFlags)
	if interest&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
