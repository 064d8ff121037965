// Package event implements the simulator's clock and event queue: a
// priority queue of events ordered lexicographically by
// (deliver_time, destination host, insertion sequence), plus the
// per-round "horizon" computation that lets workers safely process events
// in parallel without re-entering the queue mid-batch.
package event

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/shadow-sim/shadow/internal/shadow/metrics"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

// HostID identifies a simulated host.
type HostID uint32

// Kind distinguishes event payload types.
type Kind int

const (
	KindPacketArrival Kind = iota
	KindDescriptorReady
	KindTimer
	KindProcessStart
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindPacketArrival:
		return "packet_arrival"
	case KindDescriptorReady:
		return "descriptor_ready"
	case KindTimer:
		return "timer"
	case KindProcessStart:
		return "process_start"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is a single deferred action delivered to a specific host at a
// specific simulated time. The zero value is not meaningful; construct via
// New.
type Event struct {
	DeliverTime simtime.SimTime
	Dst         HostID
	Seq         uint64
	Kind        Kind
	Payload     any

	index int // heap bookkeeping, maintained by container/heap
}

// less implements the strict lexicographic ordering from the design:
// (deliver_time, dst_host_id, insertion_sequence).
func less(a, b *Event) bool {
	if a.DeliverTime != b.DeliverTime {
		return a.DeliverTime < b.DeliverTime
	}
	if a.Dst != b.Dst {
		return a.Dst < b.Dst
	}
	return a.Seq < b.Seq
}

// pq is the container/heap backing store. All mutation happens with the
// Queue's mutex held.
type pq []*Event

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return less(q[i], q[j]) }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pq) Push(x interface{}) { e := x.(*Event); e.index = len(*q); *q = append(*q, e) }
func (q *pq) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// LatencyFunc reports the minimum simulated-time latency for a message to
// travel from src to dst, and whether the pair is routable at all. It is
// satisfied by topology.Topology; kept as a narrow interface here so event
// does not import topology.
type LatencyFunc func(src, dst HostID) (latency simtime.SimTime, routable bool)

// Queue is the shared, lock-coupled priority queue described in §4.1/§5.
// Workers claim ready batches under a short critical section
// (PopReady) and then process them without re-entering the queue except to
// push new events via Schedule.
type Queue struct {
	mu      sync.Mutex
	heap    pq
	seq     atomic.Uint64
	latency LatencyFunc
}

// NewQueue constructs an empty event queue. latency supplies the
// minimum-latency/routability check used by Schedule to enforce
// ErrInvalidSchedule.
func NewQueue(latency LatencyFunc) *Queue {
	return &Queue{latency: latency}
}

// Schedule inserts an event for dst at now+delay, where now is the
// caller-observed current time of the scheduling host (srcNow). If src and
// dst are the same host, no minimum-latency check applies (a host may
// schedule its own timers at any non-negative delay). For cross-host
// schedules, delay must be >= the topology's minimum latency between src
// and dst, or ErrInvalidSchedule is returned — this is the invariant that
// lets workers run hosts in parallel safely (§4.1, §5).
func (q *Queue) Schedule(src, dst HostID, srcNow simtime.SimTime, delay simtime.SimTime, kind Kind, payload any) (*Event, error) {
	if src != dst && q.latency != nil {
		minLatency, routable := q.latency(src, dst)
		if !routable {
			return nil, serrors.ErrConnectionRefused
		}
		if delay < minLatency {
			return nil, serrors.ErrInvalidSchedule
		}
	}

	e := &Event{
		DeliverTime: srcNow + delay,
		Dst:         dst,
		Seq:         q.seq.Add(1),
		Kind:        kind,
		Payload:     payload,
	}

	q.mu.Lock()
	heap.Push(&q.heap, e)
	depth := len(q.heap)
	q.mu.Unlock()
	metrics.EventQueueDepth.Set(float64(depth))
	return e, nil
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Peek returns the earliest deliver_time in the queue, if any.
func (q *Queue) Peek() (simtime.SimTime, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return 0, false
	}
	return q.heap[0].DeliverTime, true
}

// PopReady pops and returns every event whose deliver_time is at or below
// horizon (inclusive), in ascending (deliver_time, dst, seq) order. The
// caller supplies the horizon; Horizon computes the default per-round
// safety boundary described in §4.1.
func (q *Queue) PopReady(horizon simtime.SimTime) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*Event
	for q.heap.Len() > 0 && q.heap[0].DeliverTime <= horizon {
		e := heap.Pop(&q.heap).(*Event)
		ready = append(ready, e)
	}
	metrics.EventQueueDepth.Set(float64(q.heap.Len()))
	return ready
}

// Horizon computes min(event_time across queue) + minInterHostLatency, the
// per-round boundary below which events are safe to deliver in parallel
// (§4.1, §5): any event still to be scheduled as a consequence of
// processing an in-flight event must land at or after
// time(in-flight)+minInterHostLatency, which is by construction above the
// horizon, so nothing below the horizon can be affected by work still in
// flight.
func (q *Queue) Horizon(minInterHostLatency simtime.SimTime) (simtime.SimTime, bool) {
	earliest, ok := q.Peek()
	if !ok {
		return 0, false
	}
	return earliest + minInterHostLatency, true
}
