package netiface

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// fakeSocket is the narrowest Socket implementation needed to exercise
// Interface's Deliver routing and QDisc ordering without pulling in tcp/udp.
type fakeSocket struct {
	priority float64
	queue    []*packet.Packet
	received []*packet.Packet
}

func (s *fakeSocket) Deliver(p *packet.Packet)       { s.received = append(s.received, p) }
func (s *fakeSocket) HasDataToSend() bool            { return len(s.queue) > 0 }
func (s *fakeSocket) PeekPriority() (float64, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.priority, true
}
func (s *fakeSocket) NextOutbound() (*packet.Packet, bool) {
	if len(s.queue) == 0 {
		return nil, false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

func TestBindExplicit_DuplicateBindIsAddressInUse(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, &fakeSocket{}))

	err := iface.BindExplicit(packet.ProtoTCP, 80, &fakeSocket{})
	require.ErrorIs(t, err, serrors.ErrAddressInUse)
}

func TestBindImplicit_AssignsPortInEphemeralRange(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	port, _, err := iface.BindImplicit(packet.ProtoUDP)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, uint16(MinRandomPort))
}

func TestAttachLookup_RoundTrip(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	port, _, err := iface.BindImplicit(packet.ProtoTCP)
	require.NoError(t, err)

	sock := &fakeSocket{}
	iface.Attach(packet.ProtoTCP, port, sock)

	got, ok := iface.Lookup(packet.ProtoTCP, port)
	require.True(t, ok)
	require.Same(t, sock, got)
}

func TestDetach_RemovesAssociation(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	sock := &fakeSocket{}
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, sock))

	iface.Detach(packet.ProtoTCP, 80)
	_, ok := iface.Lookup(packet.ProtoTCP, 80)
	require.False(t, ok)
}

func TestDeliver_RoutesToBoundSocketByProtoAndPort(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	sock := &fakeSocket{}
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, sock))

	p := packet.NewTCP(packet.IPHeader{Src: 2, Dst: 1, Proto: packet.ProtoTCP}, packet.TCPHeader{DstPort: 80}, nil, 0)
	iface.Deliver(p)

	require.Len(t, sock.received, 1)
	require.Same(t, p, sock.received[0])
}

func TestDeliver_SilentlyDropsUnboundPacket(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	p := packet.NewUDP(packet.IPHeader{Src: 2, Dst: 1, Proto: packet.ProtoUDP}, packet.UDPHeader{DstPort: 53}, nil, 0)

	require.NotPanics(t, func() { iface.Deliver(p) })
}

func TestNextSend_FIFOPicksLowestPriorityAcrossSockets(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	low := &fakeSocket{priority: 1, queue: []*packet.Packet{packet.NewTCP(packet.IPHeader{}, packet.TCPHeader{}, nil, 1)}}
	high := &fakeSocket{priority: 5, queue: []*packet.Packet{packet.NewTCP(packet.IPHeader{}, packet.TCPHeader{}, nil, 5)}}
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, low))
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 81, high))

	p, ok := iface.NextSend()
	require.True(t, ok)
	require.Empty(t, low.queue) // low's only packet was dequeued
	require.Equal(t, 1.0, p.Priority)
}

func TestNextSend_RoundRobinDrainsAllSocketsWithData(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscRoundRobin, 1)
	a := &fakeSocket{queue: []*packet.Packet{packet.NewTCP(packet.IPHeader{}, packet.TCPHeader{}, nil, 0)}}
	b := &fakeSocket{queue: []*packet.Packet{packet.NewTCP(packet.IPHeader{}, packet.TCPHeader{}, nil, 0)}}
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, a))
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 81, b))

	var got []*packet.Packet
	for {
		p, ok := iface.NextSend()
		if !ok {
			break
		}
		got = append(got, p)
	}
	require.Len(t, got, 2)
}

func TestNextSend_EmptyWhenNoSocketHasData(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	require.NoError(t, iface.BindExplicit(packet.ProtoTCP, 80, &fakeSocket{}))

	_, ok := iface.NextSend()
	require.False(t, ok)
}

func TestBindUnixUnixPort_RoundTrip(t *testing.T) {
	iface := New(1, 1000, 1000, QDiscFIFO, 1)
	iface.BindUnix("/tmp/sock", 9000)

	port, ok := iface.UnixPort("/tmp/sock")
	require.True(t, ok)
	require.Equal(t, uint16(9000), port)
}
