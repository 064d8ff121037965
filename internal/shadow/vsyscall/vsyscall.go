// Package vsyscall implements the virtual syscall surface (§4, §6): the
// functions a plug-in's intercepted libc calls route into, synchronously
// mutating the destination host's descriptor table and queuing outbound
// packets for delivery to other hosts via the shared event queue.
//
// Every function here assumes its *host.Host argument is already locked by
// the calling worker (§4.2/§5) — vsyscall never acquires a host lock
// itself, and never touches more than one host's mutable state per call
// (cross-host effects only ever happen by scheduling an event).
package vsyscall

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shadow-sim/shadow/internal/shadow/descriptor"
	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/host"
	"github.com/shadow-sim/shadow/internal/shadow/metrics"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/plugin"
	"github.com/shadow-sim/shadow/internal/shadow/resolver"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
	"github.com/shadow-sim/shadow/internal/shadow/tcp"
	"github.com/shadow-sim/shadow/internal/shadow/topology"
	"github.com/shadow-sim/shadow/internal/shadow/udp"
)

// Surface bundles the shared collaborators every virtual syscall needs
// beyond the single locked host it operates on: the resolver (for
// getaddrinfo/gethostname and IP->host routing), the topology (for the
// per-link latency/drop-rate Pump applies when handing a packet to the
// event queue), the event queue itself (§4.1/§4.5), and the plug-in
// registry the dispatcher's ProcessStart/DescriptorReady cases use to
// actually invoke a host's registered plug-in (§9).
type Surface struct {
	Resolver *resolver.Resolver
	Topology *topology.Topology
	Queue    *event.Queue
	Plugins  *plugin.Registry

	rng *rand.Rand

	instMu  sync.Mutex
	fdOwner map[event.HostID]map[descriptor.Handle]*plugin.Instance
}

// NewSurface constructs a Surface. seed drives the packet-drop decisions
// Pump makes against the topology's configured drop rate, kept
// independent of any interface's own port-selection RNG. Plugins is nil
// until SetPlugins is called; ProcessStart events are dropped with a
// warning until then.
func NewSurface(r *resolver.Resolver, t *topology.Topology, q *event.Queue, seed int64) *Surface {
	return &Surface{
		Resolver: r,
		Topology: t,
		Queue:    q,
		rng:      rand.New(rand.NewSource(seed)),
		fdOwner:  make(map[event.HostID]map[descriptor.Handle]*plugin.Instance),
	}
}

// SetPlugins installs the registry the dispatcher consults to resolve a
// scenario process's <process plugin=> attribute to a loaded Plugin.
func (s *Surface) SetPlugins(r *plugin.Registry) {
	s.Plugins = r
}

// Socket implements socket(2) for AF_INET sockets (§6): allocates a
// descriptor of the requested type. All simulated sockets are
// non-blocking by construction (§6); a caller requesting a blocking
// socket should be rejected by the preload shim before reaching here,
// but Socket itself has no "blocking" concept to violate.
func (s *Surface) Socket(h *host.Host, typ descriptor.Type, sendBuf, recvBuf int) (descriptor.Handle, error) {
	switch typ {
	case descriptor.TypeTCP:
		fd, _ := h.CreateTCPSocket(sendBuf, recvBuf)
		s.trackOwner(h.ID, fd)
		return fd, nil
	case descriptor.TypeUDP:
		fd, _ := h.CreateUDPSocket(recvBuf)
		s.trackOwner(h.ID, fd)
		return fd, nil
	default:
		return 0, serrors.ErrFamilyNotSupported
	}
}

// Bind implements bind(2) (§4.5/§6). ip == 0 means INADDR_ANY.
func (s *Surface) Bind(h *host.Host, fd descriptor.Handle, ip uint32, port uint16) error {
	d, err := h.Descriptors.Get(fd)
	if err != nil {
		return err
	}

	switch sock := d.Object.(type) {
	case *tcp.Socket:
		return s.bindTCP(h, sock, ip, port)
	case *udp.Socket:
		return s.bindUDP(h, sock, ip, port)
	default:
		return serrors.ErrNotASocket
	}
}

func (s *Surface) bindTCP(h *host.Host, sock *tcp.Socket, ip uint32, port uint16) error {
	if port == 0 {
		iface, ok := h.DefaultInterface()
		if !ok {
			return serrors.ErrAddressNotAvailable
		}
		p, _, err := iface.BindImplicit(packet.ProtoTCP)
		if err != nil {
			return err
		}
		iface.Attach(packet.ProtoTCP, p, sock)
		sock.Local = tcp.Addr{IP: iface.IP, Port: p}
		return nil
	}
	if ip == 0 {
		if err := h.BindAny(packet.ProtoTCP, port, sock); err != nil {
			return err
		}
		sock.Local = tcp.Addr{IP: h.DefaultIP, Port: port}
		return nil
	}
	iface, ok := h.Interfaces[ip]
	if !ok {
		return serrors.ErrAddressNotAvailable
	}
	if err := iface.BindExplicit(packet.ProtoTCP, port, sock); err != nil {
		return err
	}
	sock.Local = tcp.Addr{IP: ip, Port: port}
	return nil
}

func (s *Surface) bindUDP(h *host.Host, sock *udp.Socket, ip uint32, port uint16) error {
	if port == 0 {
		iface, ok := h.DefaultInterface()
		if !ok {
			return serrors.ErrAddressNotAvailable
		}
		p, _, err := iface.BindImplicit(packet.ProtoUDP)
		if err != nil {
			return err
		}
		iface.Attach(packet.ProtoUDP, p, sock)
		sock.Bind(iface.IP, uint32(p))
		return nil
	}
	if ip == 0 {
		if err := h.BindAny(packet.ProtoUDP, port, sock); err != nil {
			return err
		}
		sock.Bind(h.DefaultIP, uint32(port))
		return nil
	}
	iface, ok := h.Interfaces[ip]
	if !ok {
		return serrors.ErrAddressNotAvailable
	}
	if err := iface.BindExplicit(packet.ProtoUDP, port, sock); err != nil {
		return err
	}
	sock.Bind(ip, uint32(port))
	return nil
}

// Connect implements connect(2) for TCP (§4.6/§6): looks up dstHostID via
// the resolver, checks routability/latency are acceptable by attempting
// to schedule the SYN, and moves the socket to SYN_SENT. ConnectionRefused
// surfaces when the topology has no route to the destination at all.
func (s *Surface) Connect(h *host.Host, srcID event.HostID, fd descriptor.Handle, dstIP uint32, dstPort uint16) error {
	sock, err := h.TCPSocket(fd)
	if err != nil {
		return err
	}
	if sock.Local.IP == 0 {
		if err := s.bindTCP(h, sock, 0, 0); err != nil {
			return err
		}
	}
	entry, rerr := s.Resolver.ResolveByAddr(dstIP)
	if rerr != nil {
		return serrors.ErrConnectionRefused
	}
	iss := uint32(h.NextSeq())
	if err := sock.Connect(sock.Local, tcp.Addr{IP: dstIP, Port: dstPort}, iss); err != nil {
		return err
	}
	s.ArmTick(h, fd, sock.RTO())
	return s.Pump(h, srcID, event.HostID(entry.HostID))
}

// Listen implements listen(2) (§4.6/§6).
func (s *Surface) Listen(h *host.Host, fd descriptor.Handle, backlog int) error {
	sock, err := h.TCPSocket(fd)
	if err != nil {
		return err
	}
	return sock.Listen(backlog)
}

// Accept implements accept(2)/accept4(2) (§4.6/§6): dequeues from pending
// and allocates a fresh shadow handle for the child, or ErrWouldBlock if
// the pending queue is empty (§8 boundary behavior).
func (s *Surface) Accept(h *host.Host, fd descriptor.Handle) (descriptor.Handle, error) {
	sock, err := h.TCPSocket(fd)
	if err != nil {
		return 0, err
	}
	child, err := sock.Accept()
	if err != nil {
		return 0, err
	}
	d := h.Descriptors.Create(descriptor.TypeTCP, child)
	s.trackOwner(h.ID, d.Handle)
	if iface, ok := h.Interfaces[child.Local.IP]; ok {
		iface.Attach(packet.ProtoTCP, child.Local.Port, child)
	}
	s.ArmTick(h, d.Handle, child.RTO())
	return d.Handle, nil
}

// Send implements send(2)/sendto(2)/write(2) for a TCP socket (§4.6/§4.8/
// §6): accounts write-side CPU delay, returning ErrWouldBlock (the
// simulated errno for the internal CpuBlocked condition, §7) if the host
// is too far behind on absorbing prior work, then appends to the send
// buffer and pumps any resulting outbound segment toward the peer host.
func (s *Surface) Send(h *host.Host, srcID event.HostID, fd descriptor.Handle, data []byte) (int, error) {
	if h.CPU.IsBlocked() {
		s.scheduleUnblock(h, srcID, fd)
		return 0, serrors.ErrWouldBlock
	}
	sock, err := h.TCPSocket(fd)
	if err != nil {
		return 0, err
	}
	n, err := sock.Send(data)
	if err != nil {
		return 0, err
	}
	h.CPU.AddWrite(n)
	entry, rerr := s.Resolver.ResolveByAddr(sock.Peer.IP)
	if rerr == nil {
		_ = s.Pump(h, srcID, event.HostID(entry.HostID))
	}
	return n, nil
}

// Recv implements recv(2)/recvfrom(2)/read(2) for a TCP socket
// (§4.6/§4.8/§6).
func (s *Surface) Recv(h *host.Host, fd descriptor.Handle, n int) ([]byte, error) {
	if h.CPU.IsBlocked() {
		return nil, serrors.ErrWouldBlock
	}
	sock, err := h.TCPSocket(fd)
	if err != nil {
		return nil, err
	}
	data, err := sock.Recv(n)
	if err != nil {
		return nil, err
	}
	h.CPU.AddRead(len(data))
	return data, nil
}

// SendToUDP implements sendto(2) for a UDP socket (§4.7/§6).
func (s *Surface) SendToUDP(h *host.Host, srcID event.HostID, fd descriptor.Handle, dstIP uint32, dstPort uint16, data []byte) (int, error) {
	sock, err := h.UDPSocket(fd)
	if err != nil {
		return 0, err
	}
	if !sock.Bound() {
		iface, ok := h.DefaultInterface()
		if !ok {
			return 0, serrors.ErrAddressNotAvailable
		}
		port, _, berr := iface.BindImplicit(packet.ProtoUDP)
		if berr != nil {
			return 0, berr
		}
		iface.Attach(packet.ProtoUDP, port, sock)
		sock.Bind(iface.IP, uint32(port))
	}
	sock.SendTo(dstIP, uint32(dstPort), data)
	entry, rerr := s.Resolver.ResolveByAddr(dstIP)
	if rerr == nil {
		_ = s.Pump(h, srcID, event.HostID(entry.HostID))
	}
	return len(data), nil
}

// RecvFromUDP implements recvfrom(2) for a UDP socket (§4.7/§6):
// implicitly binds an unbound socket to a random free port on the default
// interface before attempting the read, per §4.7.
func (s *Surface) RecvFromUDP(h *host.Host, fd descriptor.Handle) ([]byte, uint32, uint32, error) {
	sock, err := h.UDPSocket(fd)
	if err != nil {
		return nil, 0, 0, err
	}
	if !sock.Bound() {
		iface, ok := h.DefaultInterface()
		if !ok {
			return nil, 0, 0, serrors.ErrAddressNotAvailable
		}
		port, _, berr := iface.BindImplicit(packet.ProtoUDP)
		if berr != nil {
			return nil, 0, 0, berr
		}
		iface.Attach(packet.ProtoUDP, port, sock)
		sock.Bind(iface.IP, uint32(port))
	}
	return sock.RecvFrom()
}

// Close implements close(2) (§4.4/§6).
func (s *Surface) Close(h *host.Host, fd descriptor.Handle) error {
	return h.CloseDescriptor(fd)
}

// EpollCreate implements epoll_create(2)/epoll_create1(2) (§6).
func (s *Surface) EpollCreate(h *host.Host) descriptor.Handle {
	return h.CreateEpoll()
}

// EpollCtl implements epoll_ctl(2) (§6); only EPOLL_CTL_ADD is modeled as
// a distinct path since the simulation core always re-registers modified
// fds with their new mask via the same call.
func (s *Surface) EpollCtl(h *host.Host, epfd, fd descriptor.Handle, mask uint32) error {
	return h.EpollCtlAdd(epfd, fd, mask)
}

// EpollWait implements epoll_wait(2)/epoll_pwait(2) (§6/§8). Per the
// boundary behavior in §8: timeout==0 returns the current ready set
// immediately; a nonzero timeout with no ready events returns 0
// immediately rather than actually blocking (the core is non-blocking by
// construction, §5), and the caller is expected to warn once about this
// the first time it happens — that warning is the caller's
// responsibility (the preload shim), not vsyscall's.
func (s *Surface) EpollWait(h *host.Host, epfd descriptor.Handle) (map[descriptor.Handle]uint32, error) {
	return h.EpollWait(epfd)
}

// ClockGettime implements clock_gettime(CLOCK_REALTIME)/time(2)/
// gettimeofday(2) (§6): returns the host's current simulated time, never
// the real wall clock (§1 Non-goals).
func (s *Surface) ClockGettime(h *host.Host) time.Duration {
	return h.Now().Duration()
}

// GetHostname implements gethostname(2) (§6).
func (s *Surface) GetHostname(h *host.Host) string {
	return h.Hostname
}

// GetAddrInfo implements getaddrinfo(2) (§4.3/§6): resolves a hostname or
// a dotted-decimal IP string to a network-byte-order IPv4 address.
func (s *Surface) GetAddrInfo(name string) (uint32, error) {
	e, err := s.Resolver.ResolveByName(name)
	if err == nil {
		return e.IP, nil
	}
	if ip, ok := parseDottedDecimal(name); ok {
		if e, err := s.Resolver.ResolveByAddr(ip); err == nil {
			return e.IP, nil
		}
		return ip, nil
	}
	return 0, serrors.ErrResolveNoName
}

func parseDottedDecimal(s string) (uint32, bool) {
	var a, b, c, d uint32
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 || a > 255 || b > 255 || c > 255 || d > 255 {
		return 0, false
	}
	return a<<24 | b<<16 | c<<8 | d, true
}

// Pump drains srcHost's interfaces of queued outbound packets and, for
// each one, resolves its IP destination to an owning event.HostID and
// schedules a PacketArrival event at the topology's minimum latency for
// that (src, dst) pair — exactly satisfying event.Queue.Schedule's
// cross-host delay invariant (§4.1) — applying the link's configured
// drop rate (§2 DOMAIN STACK) by simply not scheduling a packet chosen to
// be dropped in transit. dstID is the peer this call's syscall was
// ultimately targeting, used only to report its routability as this
// call's error when nothing else went wrong; individual queued packets
// (which may address other, already-open peers on the same interface)
// are routed independently by their own destination IP.
func (s *Surface) Pump(h *host.Host, srcID, dstID event.HostID) error {
	if _, routable := s.Topology.Routable(srcID, dstID); !routable {
		return serrors.ErrConnectionRefused
	}

	for _, iface := range h.Interfaces {
		for {
			p, ok := iface.NextSend()
			if !ok {
				break
			}
			if err := s.deliverOne(h, srcID, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Surface) deliverOne(h *host.Host, srcID event.HostID, p *packet.Packet) error {
	entry, err := s.Resolver.ResolveByAddr(p.IP.Dst)
	if err != nil {
		p.Release()
		return nil // no directory entry for this destination; drop silently
	}
	dstID := event.HostID(entry.HostID)

	latency, routable := s.Topology.Routable(srcID, dstID)
	if !routable {
		p.Release()
		return nil
	}
	if dropRate := s.Topology.DropRate(srcID, dstID); dropRate > 0 && s.rng.Float64() < dropRate {
		p.Release()
		return nil
	}

	if _, err := s.Queue.Schedule(srcID, dstID, h.Now(), latency, event.KindPacketArrival, p); err != nil {
		p.Release()
		return err
	}
	return nil
}

// scheduleUnblock schedules a DescriptorReady event at now+unabsorbed so
// the plug-in retries once CPU delay has been absorbed (§4.8).
func (s *Surface) scheduleUnblock(h *host.Host, srcID event.HostID, fd descriptor.Handle) {
	unabsorbed := h.CPU.Unabsorbed()
	metrics.HostCPUBlockedNanoseconds.WithLabelValues(h.Hostname).Add(float64(unabsorbed))
	_, _ = s.Queue.Schedule(srcID, srcID, h.Now(), unabsorbed, event.KindDescriptorReady, DescriptorReady{FD: fd})
}

// DescriptorReady is the DescriptorReady event payload (§3): fd became
// ready for retry, either because CPU delay finished absorbing or because
// an inbound packet arrived for it.
type DescriptorReady struct {
	FD descriptor.Handle
}
