// Package tcp implements the virtual TCP protocol state machine (§4.6):
// three-way handshake, cumulative ACK, fast retransmit, Reno-style
// congestion control, and RTT/RTO estimation, all driven by the
// simulator's virtual clock rather than wall time.
package tcp

import (
	"sync"

	"github.com/shadow-sim/shadow/internal/shadow/metrics"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

// Congestion-control constants from §4.6.
const (
	DefaultMSS           = 1400
	DefaultInitialCwnd   = 10 * DefaultMSS
	DefaultInitialSSThresh = 64 * 1024
	rtoAlpha             = 0.125 // SRTT smoothing factor
	rtoBeta              = 0.25  // RTTVAR smoothing factor
	MinRTO               = 200 * simtime.SimTime(1_000_000)    // 200ms in ns
	MaxRTO               = 60 * simtime.SimTime(1_000_000_000) // 60s in ns
	dupAckThreshold      = 3
	// DefaultTimeWait is the 2*MSL timer Closing/simultaneous-close
	// sockets wait out in TIME_WAIT before fully closing (§4.6). Every
	// socket New creates uses this fixed value.
	DefaultTimeWait = 60 * simtime.SimTime(1_000_000_000)
)

// Addr is a (ip, port) pair.
type Addr struct {
	IP   uint32
	Port uint16
}

// Socket is a virtual TCP socket (§3/§4.6).
type Socket struct {
	mu sync.Mutex

	Local, Peer Addr
	State       State

	sendBuf *SendBuffer
	recvBuf *ReceiveBuffer

	sndUna uint32
	sndNxt uint32
	rcvNxt uint32
	rcvWnd uint32

	iss uint32 // initial send sequence, kept for tests/diagnostics

	cwnd            int
	ssthresh        int
	congestionState CongestionState
	dupAcks         int

	srtt      simtime.SimTime
	rttvar    simtime.SimTime
	rto       simtime.SimTime
	rttKnown  bool
	sampleSeq uint32 // seq of the segment whose RTT sample is outstanding
	sampleAt  simtime.SimTime

	rtoDeadline simtime.SimTime
	rtoArmed    bool

	timeWaitDeadline simtime.SimTime
	timeWaitDuration simtime.SimTime

	// server-socket state (§4.6)
	backlog            int
	incomplete         map[Addr]*Socket // SYN received, SYN-ACK sent, awaiting ACK
	pending            []*Socket        // completed handshake, awaiting accept()
	accepted           map[*Socket]bool
	parent             *Socket

	outQueue []*packet.Packet
	priority float64

	fatal error // RST observed, etc; surfaces as ConnectionReset to callers
	mss   int
}

// New constructs an unconnected client-side socket with the given
// send/receive buffer capacities.
func New(sendCapacity, recvCapacity int) *Socket {
	return &Socket{
		State:            StateClosed,
		sendBuf:          NewSendBuffer(sendCapacity),
		recvBuf:          NewReceiveBuffer(recvCapacity),
		cwnd:             DefaultInitialCwnd,
		ssthresh:         DefaultInitialSSThresh,
		rto:              MinRTO,
		rcvWnd:           uint32(recvCapacity),
		timeWaitDuration: DefaultTimeWait,
		mss:              DefaultMSS,
	}
}

// WithInitialWindow overrides the initial congestion window (CLI
// --tcp-initial-window, §6).
func (s *Socket) WithInitialWindow(bytes int) *Socket { s.cwnd = bytes; return s }

// WithInitialSSThresh overrides the initial slow-start threshold (CLI
// --tcp-initial-ssthresh, §6).
func (s *Socket) WithInitialSSThresh(bytes int) *Socket { s.ssthresh = bytes; return s }

// Listen moves the socket to LISTEN and initializes the three child tables
// described in §4.6.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = backlog
	s.incomplete = make(map[Addr]*Socket)
	s.accepted = make(map[*Socket]bool)
	s.State = StateListen
	return nil
}

// Connect initiates the active open: builds and queues a SYN, moves to
// SYN_SENT. iss is the initial send sequence number (caller-supplied so
// tests can pin it; production callers derive it from a per-host counter
// or random source).
func (s *Socket) Connect(local, peer Addr, iss uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateClosed {
		return serrors.ErrAlreadyConnected
	}
	s.Local, s.Peer = local, peer
	s.iss = iss
	s.sndUna = iss
	s.sndNxt = iss + 1
	s.State = StateSynSent
	s.queueControlLocked(packet.FlagSYN, iss, 0)
	s.armRTOLocked(0)
	return nil
}

// Accept dequeues the oldest completed-handshake child, if any, per
// §4.6's "accept dequeues from pending and returns a fresh shadow handle".
// The caller is responsible for allocating the actual descriptor handle;
// this method only hands back the child Socket.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateListen {
		return nil, serrors.ErrNotConnected
	}
	if len(s.pending) == 0 {
		return nil, serrors.ErrWouldBlock
	}
	child := s.pending[0]
	s.pending = s.pending[1:]
	s.accepted[child] = true
	return child, nil
}

// Deliver implements netiface.Socket: routes an inbound segment through
// the state machine at simulated time 0. Use OnSegment to supply the
// delivery time used for RTT sampling and RTO rearming.
func (s *Socket) Deliver(p *packet.Packet) {
	s.onSegment(p, 0)
}

// OnSegment is the explicit form of Deliver that also takes the current
// simulated time, used by the host/worker layer which already has now
// in hand from the delivering event.
func (s *Socket) OnSegment(p *packet.Packet, now simtime.SimTime) {
	s.onSegment(p, now)
}

func (s *Socket) onSegment(p *packet.Packet, now simtime.SimTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.TCP == nil {
		return
	}
	h := p.TCP

	if h.Flags&packet.FlagRST != 0 {
		s.fatal = serrors.ErrConnectionReset
		s.State = StateClosed
		return
	}

	switch s.State {
	case StateListen:
		if h.Flags&packet.FlagSYN != 0 {
			s.acceptIncomingSYNLocked(p, now)
		}
	case StateSynSent:
		if h.Flags&packet.FlagSYN != 0 && h.Flags&packet.FlagACK != 0 {
			s.rcvNxt = h.Seq + 1
			s.sndUna = h.Ack
			s.State = StateEstablished
			s.queueControlLocked(packet.FlagACK, s.sndNxt, s.rcvNxt)
			s.sampleRTTLocked(now)
		}
	case StateSynRcvd:
		if h.Flags&packet.FlagACK != 0 {
			s.sndUna = h.Ack
			s.State = StateEstablished
			s.promoteToPendingLocked()
		}
	default:
		s.handleEstablishedSegmentLocked(p, now)
	}
}

// acceptIncomingSYNLocked handles a SYN at a LISTEN socket: creates a
// child in the "incomplete" table and replies SYN-ACK (§4.6). The
// backlog bounds how many connections may be incomplete+pending at once.
func (s *Socket) acceptIncomingSYNLocked(p *packet.Packet, now simtime.SimTime) {
	if len(s.incomplete)+len(s.pending) >= s.backlog {
		return // silently drop; peer's SYN retransmit will retry
	}
	peer := Addr{IP: p.IP.Src, Port: p.TCP.SrcPort}
	if _, exists := s.incomplete[peer]; exists {
		return
	}
	child := New(s.sendBuf.Capacity, s.recvBuf.Capacity)
	child.Local = Addr{IP: p.IP.Dst, Port: p.TCP.DstPort}
	child.Peer = peer
	child.parent = s
	child.iss = p.TCP.Seq ^ 0x5a5a5a5a // deterministic, distinct-from-peer ISS
	child.sndUna = child.iss
	child.sndNxt = child.iss + 1
	child.rcvNxt = p.TCP.Seq + 1
	child.State = StateSynRcvd
	child.queueControlLocked(packet.FlagSYN|packet.FlagACK, child.iss, child.rcvNxt)
	child.armRTOLocked(now)

	s.incomplete[peer] = child
}

// promoteToPendingLocked moves a child from incomplete to pending once its
// handshake ACK arrives (§4.6). A parent that has already closed (its
// listen tables set to nil by closeChildrenLocked) drops the promotion
// instead of reaching into a torn-down socket.
func (s *Socket) promoteToPendingLocked() {
	if s.parent == nil {
		return
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.parent.incomplete == nil {
		return
	}
	delete(s.parent.incomplete, s.Peer)
	s.parent.pending = append(s.parent.pending, s)
}

func (s *Socket) handleEstablishedSegmentLocked(p *packet.Packet, now simtime.SimTime) {
	h := p.TCP

	if h.Flags&packet.FlagACK != 0 {
		s.processAckLocked(h.Ack, now)
	}

	if len(p.Payload()) > 0 {
		s.acceptDataLocked(h.Seq, p.Payload())
	}

	if h.Flags&packet.FlagFIN != 0 {
		s.handleFINLocked(h.Seq)
	}
}

func (s *Socket) acceptDataLocked(seq uint32, data []byte) {
	if seq == s.rcvNxt {
		s.recvBuf.Deliver(data)
		s.rcvNxt += uint32(len(data))
		s.rcvNxt = s.recvBuf.TakeContiguous(s.rcvNxt)
	} else if !seqLess(seq, s.rcvNxt) {
		s.recvBuf.StoreOutOfOrder(seq, data)
	}
	s.rcvWnd = uint32(s.recvBuf.Free())
	s.queueControlLocked(packet.FlagACK, s.sndNxt, s.rcvNxt)
}

func (s *Socket) handleFINLocked(seq uint32) {
	if seq != s.rcvNxt {
		return // out-of-order FIN; ignore until the preceding bytes arrive
	}
	s.rcvNxt++
	s.queueControlLocked(packet.FlagACK, s.sndNxt, s.rcvNxt)
	switch s.State {
	case StateEstablished:
		s.State = StateCloseWait
	case StateFinWait1:
		s.State = StateClosing
	case StateFinWait2:
		s.enterTimeWaitLocked()
	}
}

// processAckLocked implements cumulative ACK processing, fast retransmit
// on 3 duplicate ACKs, and Reno congestion control (§4.6).
func (s *Socket) processAckLocked(ack uint32, now simtime.SimTime) {
	if ack == s.sndUna {
		if s.sendBuf.HasOutstanding() {
			s.dupAcks++
			if s.dupAcks == dupAckThreshold {
				s.fastRetransmitLocked()
			}
		}
		return
	}
	if seqLess(ack, s.sndUna) {
		return // stale ACK
	}

	newlyAcked := int(ack - s.sndUna)
	s.dupAcks = 0
	s.sendBuf.AckThrough(ack)
	s.sndUna = ack

	s.sampleRTTLocked(now)
	s.growCongestionWindowLocked(newlyAcked)

	if !s.sendBuf.HasOutstanding() {
		s.rtoArmed = false
	} else {
		s.armRTOLocked(now)
	}

	switch s.State {
	case StateLastAck:
		if !s.sendBuf.HasOutstanding() {
			s.State = StateClosed
		}
	case StateClosing:
		if !s.sendBuf.HasOutstanding() {
			s.enterTimeWaitLocked()
		}
	case StateFinWait1:
		if !s.sendBuf.HasOutstanding() {
			s.State = StateFinWait2
		}
	}

	s.fillWindowLocked()
}

func (s *Socket) growCongestionWindowLocked(ackedBytes int) {
	switch s.congestionState {
	case CongestionSlowStart:
		s.cwnd += ackedBytes
		if s.cwnd >= s.ssthresh {
			s.congestionState = CongestionAvoidance
		}
	case CongestionAvoidance:
		if s.cwnd > 0 {
			s.cwnd += (s.mss * ackedBytes) / s.cwnd
		}
	case CongestionFastRecovery:
		s.congestionState = CongestionAvoidance
		s.cwnd = s.ssthresh
	}
}

// fastRetransmitLocked reacts to 3 duplicate ACKs: halve (floor 2*MSS)
// ssthresh, set cwnd = ssthresh + 3*MSS for fast recovery, and resend the
// lowest unacked segment (§4.6).
func (s *Socket) fastRetransmitLocked() {
	metrics.TCPRetransmits.WithLabelValues("fast_retransmit").Inc()
	s.ssthresh = maxInt(s.cwnd/2, 2*s.mss)
	s.cwnd = s.ssthresh + 3*s.mss
	s.congestionState = CongestionFastRecovery
	if segs := s.sendBuf.Retransmittable(); len(segs) > 0 {
		s.outQueue = append(s.outQueue, segs[0].Retain())
	}
}

// onRTOLocked reacts to a retransmission timeout: cwnd collapses to
// 1*MSS, ssthresh halves (floor 2*MSS), slow start resumes, and every
// outstanding segment is resent (§4.6).
func (s *Socket) onRTOLocked() {
	metrics.TCPRetransmits.WithLabelValues("rto").Inc()
	s.ssthresh = maxInt(s.cwnd/2, 2*s.mss)
	s.cwnd = s.mss
	s.congestionState = CongestionSlowStart
	s.dupAcks = 0
	for _, seg := range s.sendBuf.Retransmittable() {
		s.outQueue = append(s.outQueue, seg.Retain())
	}
}

// sampleRTTLocked updates SRTT/RTTVAR/RTO using a completed round trip
// (§4.6): SRTT = (1-a)*SRTT + a*sample, a=1/8; RTO = SRTT + 4*RTTVAR,
// clamped to [200ms, 60s].
func (s *Socket) sampleRTTLocked(now simtime.SimTime) {
	if !s.rtoArmed && s.sampleAt == 0 {
		return
	}
	var sample simtime.SimTime
	if now > s.sampleAt {
		sample = now - s.sampleAt
	}
	if sample == 0 {
		return
	}
	if !s.rttKnown {
		s.srtt = sample
		s.rttvar = sample / 2
		s.rttKnown = true
	} else {
		var diff simtime.SimTime
		if sample > s.srtt {
			diff = sample - s.srtt
		} else {
			diff = s.srtt - sample
		}
		s.rttvar = simtime.SimTime((1-rtoBeta)*float64(s.rttvar) + rtoBeta*float64(diff))
		s.srtt = simtime.SimTime((1-rtoAlpha)*float64(s.srtt) + rtoAlpha*float64(sample))
	}
	rto := s.srtt + 4*s.rttvar
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	s.rto = rto
}

func (s *Socket) armRTOLocked(now simtime.SimTime) {
	s.rtoDeadline = now + s.rto
	s.rtoArmed = true
	s.sampleAt = now
}

// RTO returns the socket's current retransmission timeout estimate, used
// by the host/worker layer to space Tick calls (§4.6).
func (s *Socket) RTO() simtime.SimTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rto
}

// enterTimeWaitLocked transitions CLOSING/FIN_WAIT_2 into TIME_WAIT. The
// 2*MSL deadline is set by the first Tick that sees TIME_WAIT (§4.6).
func (s *Socket) enterTimeWaitLocked() {
	s.State = StateTimeWait
}

// Tick drives time-based transitions: RTO expiry (retransmit + Reno loss
// response) and the TIME_WAIT 2*MSL timer. The host/worker layer calls
// this when a Timer event fires for the socket's descriptor.
func (s *Socket) Tick(now simtime.SimTime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rtoArmed && now >= s.rtoDeadline && s.sendBuf.HasOutstanding() {
		s.onRTOLocked()
		s.armRTOLocked(now)
	}

	if s.State == StateTimeWait {
		if s.timeWaitDeadline == 0 {
			s.timeWaitDeadline = now + s.timeWaitDuration
		}
		if now >= s.timeWaitDeadline {
			s.State = StateClosed
		}
	}
}

// Send appends application data to the send buffer and, if congestion and
// flow control windows allow, queues it for transmission immediately
// (§4.6). Returns the number of bytes accepted (which may be less than
// len(data) if the buffer is nearly full) or ErrWouldBlock if the buffer
// has no room at all.
func (s *Socket) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateEstablished && s.State != StateCloseWait {
		return 0, serrors.ErrNotConnected
	}
	if s.sendBuf.Free() <= 0 {
		return 0, serrors.ErrWouldBlock
	}
	n := len(data)
	if n > s.sendBuf.Free() {
		n = s.sendBuf.Free()
	}
	seq := s.sndNxt
	ip := packet.IPHeader{Src: s.Local.IP, Dst: s.Peer.IP, Proto: packet.ProtoTCP}
	th := packet.TCPHeader{SrcPort: s.Local.Port, DstPort: s.Peer.Port, Seq: seq, Ack: s.rcvNxt, Window: uint16(s.rcvWnd), Flags: packet.FlagACK}
	s.priority++
	p := packet.NewTCP(ip, th, append([]byte(nil), data[:n]...), s.priority)
	if !s.sendBuf.EnqueueData(seq, p) {
		p.Release()
		return 0, serrors.ErrWouldBlock
	}
	s.sndNxt += uint32(n)
	s.fillWindowLocked()
	return n, nil
}

// fillWindowLocked moves as much pending data as the min(cwnd, peer
// window) allows onto the wire, marking it sent in the retransmit queue.
func (s *Socket) fillWindowLocked() {
	window := minInt(s.cwnd, int(s.rcvWnd))
	outstanding := int(s.sndNxt - s.sndUna)
	for outstanding < window {
		seq, p, isControl, ok := s.sendBuf.NextToSend()
		if !ok {
			break
		}
		s.outQueue = append(s.outQueue, p.Retain())
		s.sendBuf.MarkSent(seq, isControl)
		if !s.rtoArmed {
			s.armRTOLocked(s.sampleAt)
		}
		if isControl {
			continue
		}
		outstanding = int(s.sndNxt - s.sndUna)
	}
}

// Recv drains up to n bytes from the receive buffer, or ErrWouldBlock if
// nothing is available and the peer hasn't sent a FIN yet. If the peer
// has sent FIN and the buffer is empty, Recv returns (nil, nil) — the
// read()/recv() caller observes EOF via a zero-length, error-free result,
// matching "a reader may still drain already-buffered data from a CLOSED
// descriptor" (§4.4).
func (s *Socket) Recv(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvBuf.Available() == 0 {
		if s.State == StateCloseWait || s.State == StateClosing || s.State == StateTimeWait || s.State == StateClosed {
			return nil, nil
		}
		return nil, serrors.ErrWouldBlock
	}
	return s.recvBuf.Read(n), nil
}

// Close initiates the application-driven half of connection teardown
// (§4.6): an active close from ESTABLISHED queues FIN and moves to
// FIN_WAIT_1; a close from CLOSE_WAIT (passive close, the peer already
// sent FIN) queues FIN and moves to LAST_ACK. Closing a listening socket
// closes every child it still owns: the parent exclusively owns
// incomplete, pending, and accepted-but-not-yet-handed-off children until
// accept() transfers one out, so none of them may outlive it (§4.6, §9
// cyclic ownership).
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State {
	case StateEstablished:
		s.queueControlLocked(packet.FlagFIN|packet.FlagACK, s.sndNxt, s.rcvNxt)
		s.sndNxt++
		s.State = StateFinWait1
	case StateCloseWait:
		s.queueControlLocked(packet.FlagFIN|packet.FlagACK, s.sndNxt, s.rcvNxt)
		s.sndNxt++
		s.State = StateLastAck
	case StateSynSent, StateListen:
		s.closeChildrenLocked()
		s.State = StateClosed
	}
	return nil
}

// closeChildrenLocked transitions every child socket this listener still
// owns to StateClosed and severs their parent link, then clears the
// listen tables so a handshake ACK racing the close finds no parent to
// promote into (see promoteToPendingLocked).
func (s *Socket) closeChildrenLocked() {
	for _, child := range s.incomplete {
		closeChildLocked(child)
	}
	for _, child := range s.pending {
		closeChildLocked(child)
	}
	for child := range s.accepted {
		closeChildLocked(child)
	}
	s.incomplete = nil
	s.pending = nil
	s.accepted = nil
}

func closeChildLocked(child *Socket) {
	child.mu.Lock()
	defer child.mu.Unlock()
	child.State = StateClosed
	child.parent = nil
}

func (s *Socket) queueControlLocked(flags packet.TCPFlags, seq, ack uint32) {
	ip := packet.IPHeader{Src: s.Local.IP, Dst: s.Peer.IP, Proto: packet.ProtoTCP}
	th := packet.TCPHeader{SrcPort: s.Local.Port, DstPort: s.Peer.Port, Seq: seq, Ack: ack, Window: uint16(s.rcvWnd), Flags: flags}
	s.priority++
	p := packet.NewTCP(ip, th, nil, s.priority)
	s.outQueue = append(s.outQueue, p)
}

// HasDataToSend implements netiface.Socket.
func (s *Socket) HasDataToSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outQueue) > 0
}

// PeekPriority implements netiface.Socket.
func (s *Socket) PeekPriority() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outQueue) == 0 {
		return 0, false
	}
	return s.outQueue[0].Priority, true
}

// NextOutbound implements netiface.Socket.
func (s *Socket) NextOutbound() (*packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outQueue) == 0 {
		return nil, false
	}
	p := s.outQueue[0]
	s.outQueue = s.outQueue[1:]
	return p, true
}

// Err returns the fatal error observed on this connection (e.g.
// ConnectionReset after an inbound RST), if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// SndUna, SndNxt, RcvNxt expose the sequence-space fields used by the
// invariant checks in §8's testable properties.
func (s *Socket) SndUna() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.sndUna }
func (s *Socket) SndNxt() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.sndNxt }
func (s *Socket) RcvNxt() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.rcvNxt }

// RetransmitSeqs returns the sequence numbers currently outstanding
// (sent, unacked), for the invariant check in §8.
func (s *Socket) RetransmitSeqs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.sendBuf.retransmitSeqs))
	copy(out, s.sendBuf.retransmitSeqs)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
