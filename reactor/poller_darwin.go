//go:build darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// poller wraps a kqueue instance. It is only used from the loop goroutine,
// or before Run.
type poller struct {
	events []unix.Kevent_t
	ready  []polledEvent
	index  map[int]int // fd to position in ready, for coalescing filters
	kq     int
}

func (p *poller) open(maxEvents int) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.events = make([]unix.Kevent_t, maxEvents)
	p.ready = make([]polledEvent, 0, maxEvents)
	p.index = make(map[int]int, maxEvents)
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}

func (p *poller) add(fd int, ops Ops) error {
	return p.modify(fd, 0, ops)
}

func (p *poller) remove(fd int, ops Ops) error {
	return p.modify(fd, ops, 0)
}

// modify deletes filters no longer wanted, then adds new ones.
func (p *poller) modify(fd int, from, to Ops) error {
	var changes []unix.Kevent_t
	if from.wantsRead() && !to.wantsRead() {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if from.wantsWrite() && !to.wantsWrite() {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if to.wantsRead() && !from.wantsRead() {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE))
	}
	if to.wantsWrite() && !from.wantsWrite() {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE))
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// wait blocks for up to timeoutMs (-1 for indefinitely). Read and write
// filters for the same descriptor are coalesced into one event. The returned
// slice is reused by the next call.
func (p *poller) wait(timeoutMs int) ([]polledEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	clear(p.index)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Ident)
		r := keventToReadiness(&p.events[i])
		if j, ok := p.index[fd]; ok {
			p.ready[j].r |= r
			continue
		}
		p.index[fd] = len(p.ready)
		p.ready = append(p.ready, polledEvent{fd: fd, r: r})
	}
	return p.ready, nil
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
}

// keventToReadiness converts a kqueue event to readiness.
func keventToReadiness(kev *unix.Kevent_t) readiness {
	var r readiness
	switch kev.Filter {
	case unix.EVFILT_READ:
		r |= readable
	case unix.EVFILT_WRITE:
		r |= writable
	}
	if kev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
		r |= failed
	}
	return r
}
