// Package host implements the per-host container described in §3/§4:
// the object that owns a host's descriptors, interfaces, CPU accountant,
// and resolver-assigned addresses, and the single exclusive lock that
// guards every mutation of that state (§5).
package host

import (
	"sync"

	"github.com/shadow-sim/shadow/internal/shadow/cpu"
	"github.com/shadow-sim/shadow/internal/shadow/descriptor"
	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/netiface"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
	"github.com/shadow-sim/shadow/internal/shadow/tcp"
	"github.com/shadow-sim/shadow/internal/shadow/udp"
)

// Host is the per-simulated-node container from §3. One exclusive lock
// (Lock/Unlock) guards every mutation; the Worker holds it across the
// entire processing of one event, including any downstream plug-in
// execution for that event (§4.2/§5).
type Host struct {
	mu sync.Mutex

	ID         event.HostID
	Hostname   string
	DefaultIP  uint32
	DataDir    string

	Interfaces map[uint32]*netiface.Interface
	Descriptors *descriptor.Table
	UnixPathToPort map[string]uint16

	CPU  *cpu.Accountant
	now  simtime.SimTime

	seqCounter uint64
}

// New constructs a host with an empty descriptor table and no interfaces
// yet attached; call AttachInterface once the Resolver has assigned this
// host's addresses at boot (§2).
func New(id event.HostID, hostname string, defaultIP uint32, nsPerAESByte float64) *Host {
	return &Host{
		ID:             id,
		Hostname:       hostname,
		DefaultIP:      defaultIP,
		Interfaces:     make(map[uint32]*netiface.Interface),
		Descriptors:    descriptor.NewTable(),
		UnixPathToPort: make(map[string]uint16),
		CPU:            cpu.New(nsPerAESByte),
	}
}

// Lock acquires the host's exclusive lock. The worker holds this for the
// full duration of processing one event (§4.2/§5); callers must not
// attempt to lock a second host while holding this one (§5: "Workers
// never hold two host locks at once").
func (h *Host) Lock() { h.mu.Lock() }

// Unlock releases the host's exclusive lock.
func (h *Host) Unlock() { h.mu.Unlock() }

// Now returns the host's most recently observed simulated time, advanced
// only by SetNow as the worker delivers events to this host.
func (h *Host) Now() simtime.SimTime { return h.now }

// SetNow advances the host's observed time; called by the worker
// immediately after acquiring the host lock for an event, before
// dispatching it.
func (h *Host) SetNow(t simtime.SimTime) { h.now = t }

// AttachInterface adds a network interface for ip to this host, per
// Resolver registration at boot (§2).
func (h *Host) AttachInterface(iface *netiface.Interface) {
	h.Interfaces[iface.IP] = iface
}

// DefaultInterface returns the interface bound to the host's default IP.
func (h *Host) DefaultInterface() (*netiface.Interface, bool) {
	iface, ok := h.Interfaces[h.DefaultIP]
	return iface, ok
}

// BindAny reserves (proto, port) across every interface on the host, per
// §4.5's ANY-address bind rule: "if bind address is ANY, the port must be
// free on every interface of the host". On partial failure, any
// interfaces already reserved are released before returning the error.
func (h *Host) BindAny(proto packet.Proto, port uint16, sock netiface.Socket) error {
	var reserved []*netiface.Interface
	for _, iface := range h.Interfaces {
		if err := iface.BindExplicit(proto, port, sock); err != nil {
			for _, r := range reserved {
				r.Detach(proto, port)
			}
			return err
		}
		reserved = append(reserved, iface)
	}
	return nil
}

// NextSeq returns a monotonically increasing per-host sequence number,
// used e.g. to derive distinguishable initial sequence numbers for TCP
// connections originating from this host.
func (h *Host) NextSeq() uint64 {
	h.seqCounter++
	return h.seqCounter
}

// CreateTCPSocket allocates a descriptor for a new TCP socket.
func (h *Host) CreateTCPSocket(sendCap, recvCap int) (descriptor.Handle, *tcp.Socket) {
	sock := tcp.New(sendCap, recvCap)
	d := h.Descriptors.Create(descriptor.TypeTCP, sock)
	return d.Handle, sock
}

// CreateUDPSocket allocates a descriptor for a new UDP socket.
func (h *Host) CreateUDPSocket(recvCap int) (descriptor.Handle, *udp.Socket) {
	sock := udp.New(recvCap)
	d := h.Descriptors.Create(descriptor.TypeUDP, sock)
	return d.Handle, sock
}

// TCPSocket looks up a TCP socket by handle, failing with NotASocket if
// the handle refers to a different descriptor type.
func (h *Host) TCPSocket(fd descriptor.Handle) (*tcp.Socket, error) {
	d, err := h.Descriptors.Get(fd)
	if err != nil {
		return nil, err
	}
	sock, ok := d.Object.(*tcp.Socket)
	if !ok {
		return nil, serrors.ErrNotASocket
	}
	return sock, nil
}

// UDPSocket looks up a UDP socket by handle, failing with NotASocket if
// the handle refers to a different descriptor type.
func (h *Host) UDPSocket(fd descriptor.Handle) (*udp.Socket, error) {
	d, err := h.Descriptors.Get(fd)
	if err != nil {
		return nil, err
	}
	sock, ok := d.Object.(*udp.Socket)
	if !ok {
		return nil, serrors.ErrNotASocket
	}
	return sock, nil
}

// CreateEpoll allocates a descriptor for a new epoll instance.
func (h *Host) CreateEpoll() descriptor.Handle {
	ep := descriptor.NewEpoll()
	d := h.Descriptors.Create(descriptor.TypeEpoll, ep)
	return d.Handle
}

// EpollCtlAdd registers fd with epfd's interest set and records the weak
// back-reference on fd's descriptor so CloseDescriptor can clean it up
// (§3/§4.4).
func (h *Host) EpollCtlAdd(epfd, fd descriptor.Handle, mask uint32) error {
	epd, err := h.Descriptors.Get(epfd)
	if err != nil {
		return err
	}
	ep, ok := epd.Object.(*descriptor.Epoll)
	if !ok {
		return serrors.ErrNotASocket
	}
	target, err := h.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	ep.Add(fd, mask)
	target.Watched[epfd] = mask
	return nil
}

// EpollWait returns the ready set for epfd: every watched handle whose
// status currently satisfies its registered interest (level-triggered,
// §4.9/§8).
func (h *Host) EpollWait(epfd descriptor.Handle) (map[descriptor.Handle]uint32, error) {
	epd, err := h.Descriptors.Get(epfd)
	if err != nil {
		return nil, err
	}
	ep, ok := epd.Object.(*descriptor.Epoll)
	if !ok {
		return nil, serrors.ErrNotASocket
	}
	return ep.Ready(h.Descriptors), nil
}

// CloseDescriptor detaches a socket descriptor from every interface it is
// associated with, drops its epoll registrations, and marks it CLOSED
// (§4.4). A reader may still drain already-buffered data afterward; the
// descriptor is only released from the table once the caller calls
// Descriptors.Release (typically after a final drained read observes
// BadDescriptor would otherwise be returned).
func (h *Host) CloseDescriptor(fd descriptor.Handle) error {
	d, err := h.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	for watcher := range d.Watched {
		if epollDesc, err := h.Descriptors.Get(watcher); err == nil {
			if ep, ok := epollDesc.Object.(*descriptor.Epoll); ok {
				ep.Remove(fd)
			}
		}
	}
	d.Watched = map[descriptor.Handle]uint32{}

	switch sock := d.Object.(type) {
	case *tcp.Socket:
		for _, iface := range h.Interfaces {
			iface.Detach(packet.ProtoTCP, sock.Local.Port)
		}
		sock.Close()
	case *udp.Socket:
		ip, port := sock.LocalAddr()
		if iface, ok := h.Interfaces[ip]; ok {
			iface.Detach(packet.ProtoUDP, uint16(port))
		}
	}
	return h.Descriptors.Close(fd)
}
