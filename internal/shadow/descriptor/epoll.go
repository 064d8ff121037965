package descriptor

import "golang.org/x/sys/unix"

// Epoll mask bits, matching the subset of epoll events the virtual
// syscall surface exposes (§4.4/§6): EPOLLIN/EPOLLOUT plus the
// level-triggered re-arm implied by §8's epoll scenario. Using the real
// kernel bit values means a plug-in's epoll_event.events round-trips
// unchanged through the simulator.
const (
	EPOLLIN  uint32 = unix.EPOLLIN
	EPOLLOUT uint32 = unix.EPOLLOUT
)

// Epoll is the descriptor object backing an epoll instance (§3). It is
// level-triggered: epoll_wait returns every watched handle whose current
// status satisfies its registered interest mask, not just handles that
// transitioned since the last call.
type Epoll struct {
	interest map[Handle]uint32
}

// NewEpoll constructs an empty epoll instance.
func NewEpoll() *Epoll {
	return &Epoll{interest: make(map[Handle]uint32)}
}

// Add registers fd with the given interest mask.
func (e *Epoll) Add(fd Handle, mask uint32) {
	e.interest[fd] = mask
}

// Modify updates the interest mask for an already-registered fd.
func (e *Epoll) Modify(fd Handle, mask uint32) {
	if _, ok := e.interest[fd]; ok {
		e.interest[fd] = mask
	}
}

// Remove unregisters fd.
func (e *Epoll) Remove(fd Handle) {
	delete(e.interest, fd)
}

// Ready returns every watched handle whose current status (readable bit
// set for EPOLLIN interest, writable for EPOLLOUT) satisfies its
// registered interest, by consulting the table for each watched handle.
// table.Get returning BadDescriptor for a now-closed-and-released handle
// simply excludes that handle, per the stale-handle concern noted in §9.
func (e *Epoll) Ready(table *Table) map[Handle]uint32 {
	out := make(map[Handle]uint32)
	for fd, interest := range e.interest {
		d, err := table.Get(fd)
		if err != nil {
			continue
		}
		var mask uint32
		if interest&EPOLLIN != 0 && d.hasStatus(StatusReadable) {
			mask |= EPOLLIN
		}
		if interest&EPOLLOUT != 0 && d.hasStatus(StatusWritable) {
			mask |= EPOLLOUT
		}
		if mask != 0 {
			out[fd] = mask
		}
	}
	return out
}
