package tcp

import "github.com/shadow-sim/shadow/internal/shadow/packet"

// SendBuffer is the per-socket send-side buffer described in §3: pending
// data not yet sent, a retransmit queue of sent-but-unacked segments
// ordered by sequence, and a FIFO of control segments (SYN/FIN/RST) that
// always go out ahead of data.
//
// Invariant: current_bytes <= capacity; every packet in retransmit was
// sent but is not yet acknowledged.
type SendBuffer struct {
	Capacity     int
	CurrentBytes int

	pendingSeqs []uint32 // ascending order, kept alongside the map for iteration
	pending     map[uint32]*packet.Packet

	retransmitSeqs []uint32
	retransmit     map[uint32]*packet.Packet

	control []*packet.Packet
}

// NewSendBuffer constructs an empty send buffer with the given capacity.
func NewSendBuffer(capacity int) *SendBuffer {
	return &SendBuffer{
		Capacity:   capacity,
		pending:    make(map[uint32]*packet.Packet),
		retransmit: make(map[uint32]*packet.Packet),
	}
}

// Free returns the remaining capacity in bytes.
func (b *SendBuffer) Free() int { return b.Capacity - b.CurrentBytes }

// EnqueueData appends a data packet for seq, failing with false if the
// buffer has no room.
func (b *SendBuffer) EnqueueData(seq uint32, p *packet.Packet) bool {
	if b.CurrentBytes+p.Len() > b.Capacity {
		return false
	}
	b.pending[seq] = p
	b.pendingSeqs = append(b.pendingSeqs, seq)
	b.CurrentBytes += p.Len()
	return true
}

// EnqueueControl appends a control segment (SYN/FIN/RST); control segments
// do not count against capacity since they carry no application data.
func (b *SendBuffer) EnqueueControl(p *packet.Packet) {
	b.control = append(b.control, p)
}

// NextToSend returns the next packet to transmit, preferring control
// segments over pending data, without removing it from the pending queue
// (the caller moves it to the retransmit queue via MarkSent once actually
// sent).
func (b *SendBuffer) NextToSend() (seq uint32, p *packet.Packet, isControl bool, ok bool) {
	if len(b.control) > 0 {
		return 0, b.control[0], true, true
	}
	if len(b.pendingSeqs) > 0 {
		seq = b.pendingSeqs[0]
		return seq, b.pending[seq], false, true
	}
	return 0, nil, false, false
}

// MarkSent moves a data segment from pending into the retransmit queue
// (unacked, sent). Control segments are popped directly.
func (b *SendBuffer) MarkSent(seq uint32, isControl bool) {
	if isControl {
		if len(b.control) > 0 {
			b.control = b.control[1:]
		}
		return
	}
	p, ok := b.pending[seq]
	if !ok {
		return
	}
	delete(b.pending, seq)
	b.pendingSeqs = b.pendingSeqs[1:]
	b.retransmit[seq] = p
	b.retransmitSeqs = append(b.retransmitSeqs, seq)
}

// AckThrough removes every retransmit-queue entry with seq < una,
// releasing the packets and freeing their bytes, per the ESTABLISHED
// invariant in §8 ("every packet in the retransmit queue has seq >= una").
func (b *SendBuffer) AckThrough(una uint32) {
	kept := b.retransmitSeqs[:0]
	for _, seq := range b.retransmitSeqs {
		if seqLess(seq, una) {
			p := b.retransmit[seq]
			delete(b.retransmit, seq)
			b.CurrentBytes -= p.Len()
			p.Release()
			continue
		}
		kept = append(kept, seq)
	}
	b.retransmitSeqs = kept
}

// Retransmittable returns every unacked segment in ascending sequence
// order, for RTO-driven or fast-retransmit-driven resend.
func (b *SendBuffer) Retransmittable() []*packet.Packet {
	out := make([]*packet.Packet, 0, len(b.retransmitSeqs))
	for _, seq := range b.retransmitSeqs {
		out = append(out, b.retransmit[seq])
	}
	return out
}

// HasOutstanding reports whether any segment is unacked.
func (b *SendBuffer) HasOutstanding() bool { return len(b.retransmitSeqs) > 0 }

// HasQueued reports whether there is anything left to send (control,
// pending data, or unacked data eligible for retransmit is tracked
// separately by the caller's RTO timer).
func (b *SendBuffer) HasQueued() bool {
	return len(b.control) > 0 || len(b.pendingSeqs) > 0
}

// ReceiveBuffer is the per-socket receive-side buffer from §3: delivered,
// in-order bytes ready for the application, plus an out-of-order holding
// area keyed by sequence for segments that arrived ahead of rcv_nxt.
type ReceiveBuffer struct {
	Capacity     int
	CurrentBytes int

	delivered []byte // contiguous in-order bytes not yet read by the app

	outOfOrderSeqs []uint32
	outOfOrder     map[uint32][]byte
}

// NewReceiveBuffer constructs an empty receive buffer with the given
// capacity.
func NewReceiveBuffer(capacity int) *ReceiveBuffer {
	return &ReceiveBuffer{
		Capacity:   capacity,
		outOfOrder: make(map[uint32][]byte),
	}
}

// Free returns the remaining capacity in bytes, i.e. the socket's
// receive window.
func (b *ReceiveBuffer) Free() int { return b.Capacity - b.CurrentBytes }

// Deliver appends in-order bytes to the delivered FIFO.
func (b *ReceiveBuffer) Deliver(data []byte) {
	b.delivered = append(b.delivered, data...)
	b.CurrentBytes += len(data)
}

// StoreOutOfOrder buffers a segment that arrived ahead of rcv_nxt, keyed
// by its starting sequence.
func (b *ReceiveBuffer) StoreOutOfOrder(seq uint32, data []byte) {
	if _, exists := b.outOfOrder[seq]; exists {
		return
	}
	b.outOfOrder[seq] = data
	b.outOfOrderSeqs = append(b.outOfOrderSeqs, seq)
	b.CurrentBytes += len(data)
	sortUint32s(b.outOfOrderSeqs)
}

// TakeContiguous pulls any out-of-order segments that now connect to
// rcv_nxt, delivering them in order and returning the new rcv_nxt.
func (b *ReceiveBuffer) TakeContiguous(rcvNxt uint32) uint32 {
	for {
		advanced := false
		for i, seq := range b.outOfOrderSeqs {
			if seq == rcvNxt {
				data := b.outOfOrder[seq]
				delete(b.outOfOrder, seq)
				b.outOfOrderSeqs = append(b.outOfOrderSeqs[:i], b.outOfOrderSeqs[i+1:]...)
				b.delivered = append(b.delivered, data...)
				rcvNxt += uint32(len(data))
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}
	return rcvNxt
}

// Read drains up to n bytes from the delivered FIFO.
func (b *ReceiveBuffer) Read(n int) []byte {
	if n > len(b.delivered) {
		n = len(b.delivered)
	}
	out := b.delivered[:n]
	b.delivered = b.delivered[n:]
	b.CurrentBytes -= n
	return out
}

// Available returns the number of bytes ready to read.
func (b *ReceiveBuffer) Available() int { return len(b.delivered) }

func sortUint32s(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// seqLess compares TCP sequence numbers with wraparound semantics
// (RFC 1323 serial number arithmetic): a is "less than" b if the signed
// difference a-b is negative.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
