// Package udp implements the virtual UDP socket (§4.7): stateless aside
// from an optional default peer set by connect(), with datagrams dropped
// on receive-side buffer overflow since UDP has no flow control.
package udp

import (
	"sync"

	"github.com/shadow-sim/shadow/internal/shadow/metrics"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// DefaultRecvBufferBytes is used when a host's config does not specify a
// socket receive buffer size.
const DefaultRecvBufferBytes = 256 * 1024

// Socket is a virtual UDP socket. Checksums are not modeled (§4.7).
type Socket struct {
	mu sync.Mutex

	localIP, localPort   uint32
	peerIP, peerPort     uint32
	connected            bool
	bound                bool

	recvCapacity int
	recvBytes    int
	recvQueue    []*packet.Packet

	sendQueue []*packet.Packet
	priority  float64
}

// New constructs an unbound UDP socket.
func New(recvCapacity int) *Socket {
	if recvCapacity <= 0 {
		recvCapacity = DefaultRecvBufferBytes
	}
	return &Socket{recvCapacity: recvCapacity}
}

// Bind records the local address the socket owns; the caller
// (netiface/host layer) is responsible for reserving the port in the
// interface's association table before calling Bind.
func (s *Socket) Bind(ip uint32, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localIP, s.localPort = ip, port
	s.bound = true
}

// Bound reports whether the socket has a local address.
func (s *Socket) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Connect sets the default peer used by subsequent send()/recv() calls
// without an explicit address (§4.7). It does not itself perform any
// handshake: UDP connect is purely a local filter.
func (s *Socket) Connect(ip, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerIP, s.peerPort = ip, port
	s.connected = true
}

// LocalAddr returns the bound local (ip, port).
func (s *Socket) LocalAddr() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIP, s.localPort
}

// PeerAddr returns the connected default peer, if any.
func (s *Socket) PeerAddr() (uint32, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIP, s.peerPort, s.connected
}

// Deliver enqueues an inbound datagram, dropping it if the receive buffer
// is full (§4.7: "Datagrams are dropped on buffer overflow at the receive
// side").
func (s *Socket) Deliver(p *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvBytes+p.Len() > s.recvCapacity {
		metrics.UDPDatagramsDropped.WithLabelValues("recv_buffer_full").Inc()
		return
	}
	s.recvQueue = append(s.recvQueue, p.Retain())
	s.recvBytes += p.Len()
}

// RecvFrom dequeues the oldest buffered datagram, returning its payload
// and source address, or ErrWouldBlock if nothing is queued.
func (s *Socket) RecvFrom() ([]byte, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recvQueue) == 0 {
		return nil, 0, 0, serrors.ErrWouldBlock
	}
	p := s.recvQueue[0]
	s.recvQueue = s.recvQueue[1:]
	s.recvBytes -= p.Len()
	payload := p.Payload()
	src := p.IP.Src
	var srcPort uint32
	if p.UDP != nil {
		srcPort = uint32(p.UDP.SrcPort)
	}
	p.Release()
	return payload, src, srcPort, nil
}

// SendTo queues a datagram addressed to (dstIP, dstPort) for transmission;
// the netiface QDisc later pulls it via NextOutbound. UDP has no send-side
// flow control, so this never blocks or fails on capacity.
func (s *Socket) SendTo(dstIP uint32, dstPort uint32, payload []byte) *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority++
	p := packet.NewUDP(
		packet.IPHeader{Src: s.localIP, Dst: dstIP, Proto: packet.ProtoUDP},
		packet.UDPHeader{SrcPort: uint16(s.localPort), DstPort: uint16(dstPort)},
		payload,
		s.priority,
	)
	s.sendQueue = append(s.sendQueue, p)
	return p
}

// HasDataToSend implements netiface.Socket.
func (s *Socket) HasDataToSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendQueue) > 0
}

// PeekPriority implements netiface.Socket.
func (s *Socket) PeekPriority() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendQueue) == 0 {
		return 0, false
	}
	return s.sendQueue[0].Priority, true
}

// NextOutbound implements netiface.Socket.
func (s *Socket) NextOutbound() (*packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendQueue) == 0 {
		return nil, false
	}
	p := s.sendQueue[0]
	s.sendQueue = s.sendQueue[1:]
	return p, true
}
