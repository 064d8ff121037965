// Package netiface implements the per-IP network interface (§4.5): the
// association table from (protocol, port) to the socket that owns it, port
// selection for implicit binds, and the QDisc that orders outbound
// packets across sockets with data to send.
package netiface

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// MinRandomPort is the low end of the implicit-bind ephemeral port range
// (§4.5).
const MinRandomPort = 32768

// freePortProbeThreshold is the fraction of the random-port range that must
// be free before random probing is attempted; below it, a linear scan is
// used instead (§4.5).
const freePortProbeThreshold = 0.01

// Association is the key an interface uses to route an inbound packet or
// reject a bind: (protocol, port).
type Association struct {
	Proto packet.Proto
	Port  uint16
}

// Socket is the narrow surface netiface needs from a bound socket: enough
// to deliver an inbound packet and to ask whether it has data queued for
// the QDisc. Satisfied by *tcp.Socket and *udp.Socket.
type Socket interface {
	Deliver(p *packet.Packet)
	HasDataToSend() bool
	// PeekPriority returns the Priority of the next packet this socket
	// would send, without dequeuing it, so the QDisc can compare across
	// sockets before committing to one.
	PeekPriority() (float64, bool)
	NextOutbound() (*packet.Packet, bool)
}

// QDiscKind selects the queuing discipline an interface uses to order
// outbound sends across sockets (§4.5).
type QDiscKind int

const (
	QDiscFIFO QDiscKind = iota
	QDiscRoundRobin
)

// Interface is a per-IP network interface (§3/§4.5).
type Interface struct {
	IP       uint32
	KbpsDown uint64
	KbpsUp   uint64
	QDisc    QDiscKind

	mu           sync.Mutex
	associations map[Association]Socket
	unixPaths    map[string]uint16
	rng          *rand.Rand

	// rrCursor tracks round-robin position across sockets with queued
	// data; rebuilt from associations order each call for determinism.
	rrCursor int
}

// New constructs an interface bound to ip.
func New(ip uint32, kbpsDown, kbpsUp uint64, qdisc QDiscKind, seed int64) *Interface {
	return &Interface{
		IP:           ip,
		KbpsDown:     kbpsDown,
		KbpsUp:       kbpsUp,
		QDisc:        qdisc,
		associations: make(map[Association]Socket),
		unixPaths:    make(map[string]uint16),
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// freePortCount reports how many ports in [MinRandomPort, 65535] are
// currently unused for proto.
func (i *Interface) freePortCount(proto packet.Proto) int {
	total := 65536 - MinRandomPort
	used := 0
	for a := range i.associations {
		if a.Proto == proto && a.Port >= MinRandomPort {
			used++
		}
	}
	return total - used
}

// BindExplicit reserves (proto, port) for sock, failing with
// AddressInUse if already taken.
func (i *Interface) BindExplicit(proto packet.Proto, port uint16, sock Socket) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	a := Association{Proto: proto, Port: port}
	if _, taken := i.associations[a]; taken {
		return serrors.ErrAddressInUse
	}
	i.associations[a] = sock
	return nil
}

// BindImplicit selects a random free port in [MinRandomPort, 65535] for
// proto and reserves it for sock, per the port-selection policy in §4.5:
// if the proportion of free ports exceeds 1% of the range, try random
// probes (up to the number of free ports); otherwise fall back to a
// linear scan guaranteed to find any free port. Fails with
// AddressNotAvailable only when the range is exhausted.
func (i *Interface) BindImplicit(proto packet.Proto) (uint16, Socket, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	free := i.freePortCount(proto)
	if free <= 0 {
		return 0, nil, serrors.ErrAddressNotAvailable
	}

	rangeSize := 65536 - MinRandomPort
	if float64(free)/float64(rangeSize) > freePortProbeThreshold {
		for attempt := 0; attempt < free; attempt++ {
			port := uint16(MinRandomPort + i.rng.Intn(rangeSize))
			a := Association{Proto: proto, Port: port}
			if _, taken := i.associations[a]; !taken {
				return port, nil, i.reserveLocked(a)
			}
		}
	}

	for port := MinRandomPort; port <= 65535; port++ {
		a := Association{Proto: proto, Port: uint16(port)}
		if _, taken := i.associations[a]; !taken {
			return uint16(port), nil, i.reserveLocked(a)
		}
	}
	return 0, nil, serrors.ErrAddressNotAvailable
}

func (i *Interface) reserveLocked(a Association) error {
	i.associations[a] = nil // placeholder; caller attaches the socket
	return nil
}

// Attach records which socket owns an already-reserved association; used
// after BindImplicit reserves a port but before the caller has a fully
// constructed socket to hand back.
func (i *Interface) Attach(proto packet.Proto, port uint16, sock Socket) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.associations[Association{Proto: proto, Port: port}] = sock
}

// Detach removes the association for (proto, port), e.g. on socket close
// (§4.4).
func (i *Interface) Detach(proto packet.Proto, port uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.associations, Association{Proto: proto, Port: port})
}

// Lookup returns the socket bound to (proto, port), if any.
func (i *Interface) Lookup(proto packet.Proto, port uint16) (Socket, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.associations[Association{Proto: proto, Port: port}]
	return s, ok && s != nil
}

// BindUnix maps a unix-domain abstract path to a synthetic port on the
// loopback interface (§4.5).
func (i *Interface) BindUnix(path string, port uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unixPaths[path] = port
}

// UnixPort resolves a unix-domain path to its synthetic port.
func (i *Interface) UnixPort(path string) (uint16, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.unixPaths[path]
	return p, ok
}

// Deliver routes an inbound packet to the socket owning its destination
// (proto, port), if any is bound; unbound inbound packets are silently
// dropped (no ICMP modeling in scope).
func (i *Interface) Deliver(p *packet.Packet) {
	var proto packet.Proto
	var port uint16
	switch {
	case p.TCP != nil:
		proto, port = packet.ProtoTCP, p.TCP.DstPort
	case p.UDP != nil:
		proto, port = packet.ProtoUDP, p.UDP.DstPort
	default:
		return
	}
	if sock, ok := i.Lookup(proto, port); ok {
		sock.Deliver(p)
	}
}

// assocSocket pairs a socket with the Association key it's reachable
// under, so NextSend can impose a stable order over i.associations before
// applying a QDisc policy — Go's map iteration order is randomized per
// call, which would otherwise make RoundRobin's cursor index a different
// socket every time and let a FIFO priority tie break arbitrarily (§8
// Determinism).
type assocSocket struct {
	assoc Association
	sock  Socket
}

// NextSend selects the next packet to transmit across all sockets with
// queued data, according to the configured QDisc (§4.5): FIFO yields
// insertion order via each packet's monotonically increasing Priority,
// even after congestion-driven reordering between sockets, breaking ties
// by (proto, port); RoundRobin cycles across sockets that currently have
// data, ordered the same way so the same scenario and seed produce the
// same rotation regardless of worker count.
func (i *Interface) NextSend() (*packet.Packet, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var withData []assocSocket
	for a, s := range i.associations {
		if s != nil && s.HasDataToSend() {
			withData = append(withData, assocSocket{assoc: a, sock: s})
		}
	}
	if len(withData) == 0 {
		return nil, false
	}
	sort.Slice(withData, func(x, y int) bool {
		if withData[x].assoc.Proto != withData[y].assoc.Proto {
			return withData[x].assoc.Proto < withData[y].assoc.Proto
		}
		return withData[x].assoc.Port < withData[y].assoc.Port
	})

	switch i.QDisc {
	case QDiscRoundRobin:
		idx := i.rrCursor % len(withData)
		i.rrCursor++
		return withData[idx].sock.NextOutbound()
	default: // QDiscFIFO
		best := -1
		bestPriority := 0.0
		for idx := range withData {
			p, ok := withData[idx].sock.PeekPriority()
			if !ok {
				continue
			}
			if best == -1 || p < bestPriority {
				bestPriority = p
				best = idx
			}
		}
		if best == -1 {
			return nil, false
		}
		return withData[best].sock.NextOutbound()
	}
}
