// Package packet implements the simulator's refcounted packet object
// (§3/§9): immutable headers and payload once constructed, with only the
// refcount ever mutated afterward. Packet carries no behavior of its own
// beyond bookkeeping and wire (de)serialization; protocol state machines
// live in tcp and udp.
package packet

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Proto identifies the transport carried by a packet.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// TCPFlags mirrors the flag bits named in §3: FIN, SYN, RST, ACK, plus the
// simulator-internal CON ("connect") pseudo-flag original Shadow used to
// mark the synthetic packet that represents a same-host loopback connect
// completing without a real three-way handshake on the wire.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
	FlagCON
)

// IPHeader is the immutable network-layer header.
type IPHeader struct {
	Src, Dst uint32
	Proto    Proto
}

// TCPHeader is the immutable TCP-layer header.
type TCPHeader struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Window           uint16
	Flags            TCPFlags
}

// UDPHeader is the immutable UDP-layer header.
type UDPHeader struct {
	SrcPort, DstPort uint16
}

// Packet is a refcounted, header-and-payload-immutable network message
// (§3/§9). Construct with NewTCP or NewUDP; share ownership with Retain/Release the way
// a systems implementation would share an Arc<Packet>.
type Packet struct {
	IP  IPHeader
	TCP *TCPHeader // nil for UDP packets
	UDP *UDPHeader // nil for TCP packets

	payload []byte

	// Priority is a per-host monotonically increasing tiebreaker used by
	// the QDisc for FIFO fairness across sockets (§3/§4.5).
	Priority float64

	refs atomic.Int32
}

// NewTCP constructs a TCP packet with an initial refcount of 1.
func NewTCP(ip IPHeader, tcp TCPHeader, payload []byte, priority float64) *Packet {
	p := &Packet{IP: ip, TCP: &tcp, payload: payload, Priority: priority}
	p.refs.Store(1)
	return p
}

// NewUDP constructs a UDP packet with an initial refcount of 1.
func NewUDP(ip IPHeader, udp UDPHeader, payload []byte, priority float64) *Packet {
	p := &Packet{IP: ip, UDP: &udp, payload: payload, Priority: priority}
	p.refs.Store(1)
	return p
}

// Payload returns the packet's immutable payload bytes. Callers must not
// mutate the returned slice.
func (p *Packet) Payload() []byte { return p.payload }

// Len returns the payload length in bytes.
func (p *Packet) Len() int { return len(p.payload) }

// Retain increments the refcount and returns p, for chaining at enqueue
// sites that hand the same packet to multiple destinations (e.g.
// broadcast-ish fan-out is not modeled, but a retransmit queue entry and an
// in-flight event both hold a reference to the same packet).
func (p *Packet) Retain() *Packet {
	p.refs.Add(1)
	return p
}

// Release decrements the refcount and reports whether this was the last
// reference. Once the last reference is released the packet must not be
// read again.
func (p *Packet) Release() bool {
	return p.refs.Add(-1) == 0
}

// RefCount returns the current reference count, for tests and invariant
// checks.
func (p *Packet) RefCount() int32 { return p.refs.Load() }

// MarshalWire encodes the packet into the same on-wire byte layout a real
// gopacket-based pcap writer would consume (§2.1/§4.9a). Writing a pcap
// file is out of scope; only the byte layout is produced here.
func (p *Packet) MarshalWire() ([]byte, error) {
	ipLayer := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		SrcIP:    uint32ToIP(p.IP.Src),
		DstIP:    uint32ToIP(p.IP.Dst),
		Protocol: layers.IPProtocol(p.IP.Proto),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	switch {
	case p.TCP != nil:
		tcpLayer := &layers.TCP{
			SrcPort: layers.TCPPort(p.TCP.SrcPort),
			DstPort: layers.TCPPort(p.TCP.DstPort),
			Seq:     p.TCP.Seq,
			Ack:     p.TCP.Ack,
			Window:  p.TCP.Window,
			FIN:     p.TCP.Flags&FlagFIN != 0,
			SYN:     p.TCP.Flags&FlagSYN != 0,
			RST:     p.TCP.Flags&FlagRST != 0,
			ACK:     p.TCP.Flags&FlagACK != 0,
		}
		if err := tcpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
			return nil, fmt.Errorf("packet: set network layer for checksum: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, ipLayer, tcpLayer, gopacket.Payload(p.payload)); err != nil {
			return nil, fmt.Errorf("packet: serialize tcp: %w", err)
		}
	case p.UDP != nil:
		udpLayer := &layers.UDP{
			SrcPort: layers.UDPPort(p.UDP.SrcPort),
			DstPort: layers.UDPPort(p.UDP.DstPort),
		}
		if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
			return nil, fmt.Errorf("packet: set network layer for checksum: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, ipLayer, udpLayer, gopacket.Payload(p.payload)); err != nil {
			return nil, fmt.Errorf("packet: serialize udp: %w", err)
		}
	default:
		return nil, fmt.Errorf("packet: neither tcp nor udp header set")
	}

	return buf.Bytes(), nil
}

func uint32ToIP(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
