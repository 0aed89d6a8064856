//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance. It is only used from the loop goroutine,
// or before Run.
type poller struct {
	events []unix.EpollEvent
	ready  []polledEvent
	epfd   int
}

func (p *poller) open(maxEvents int) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.events = make([]unix.EpollEvent, maxEvents)
	p.ready = make([]polledEvent, 0, maxEvents)
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) add(fd int, ops Ops) error {
	ev := unix.EpollEvent{Events: opsToEpoll(ops), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, _, ops Ops) error {
	ev := unix.EpollEvent{Events: opsToEpoll(ops), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int, _ Ops) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 for indefinitely). The returned slice
// is reused by the next call.
func (p *poller) wait(timeoutMs int) ([]polledEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, polledEvent{
			fd: int(p.events[i].Fd),
			r:  epollToReadiness(p.events[i].Events),
		})
	}
	return p.ready, nil
}

// opsToEpoll converts interest to epoll event flags.
func opsToEpoll(ops Ops) uint32 {
	var events uint32
	if ops.wantsRead() {
		events |= unix.EPOLLIN
	}
	if ops.wantsWrite() {
		events |= unix.EPOLLOUT
	}
	return events
}

// epollToReadiness converts epoll event flags to readiness.
func epollToReadiness(events uint32) readiness {
	var r readiness
	if events&unix.EPOLLIN != 0 {
		r |= readable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= writable
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r |= failed
	}
	return r
}
