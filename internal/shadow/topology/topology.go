// Package topology answers the routing question the event queue and TCP
// connect() path both depend on: "is this peer routable, and what is the
// latency?" (§4.2/§2). LoadGraphML in graphml.go parses a GraphML
// document into the edge set this package answers from.
package topology

import (
	"sync"
	"time"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

// Edge describes the simulated link between two hosts.
type Edge struct {
	Latency  time.Duration
	DropRate float64 // fraction of packets dropped in transit, [0,1]
}

// Topology is a symmetric routing graph keyed by host pair. It is read far
// more often than written (built once at boot from the GraphML-derived
// edge list, then consulted on every connect() and every cross-host
// schedule), so it is guarded by a reader-writer lock per §5.
type Topology struct {
	mu    sync.RWMutex
	edges map[edgeKey]Edge
	hosts map[event.HostID]struct{}

	minLatency    simtime.SimTime
	maxLatency    simtime.SimTime
	latencyKnown  bool
}

type edgeKey struct {
	a, b event.HostID
}

func key(a, b event.HostID) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// New constructs an empty topology.
func New() *Topology {
	return &Topology{
		edges: make(map[edgeKey]Edge),
		hosts: make(map[event.HostID]struct{}),
	}
}

// AddHost registers a host as present in the topology, even before any
// edges reference it (an isolated host is routable only to itself).
func (t *Topology) AddHost(h event.HostID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[h] = struct{}{}
}

// AddEdge installs a bidirectional link between a and b. Calling it again
// for the same pair overwrites the prior edge.
func (t *Topology) AddEdge(a, b event.HostID, edge Edge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[a] = struct{}{}
	t.hosts[b] = struct{}{}
	t.edges[key(a, b)] = edge

	lat := simtime.FromDuration(edge.Latency)
	if !t.latencyKnown || lat < t.minLatency {
		t.minLatency = lat
	}
	if !t.latencyKnown || lat > t.maxLatency {
		t.maxLatency = lat
	}
	t.latencyKnown = true
}

// Routable reports whether dst is reachable from src and, if so, the
// minimum simulated latency for a message between them. A host is always
// routable to itself at zero latency. This satisfies the event.LatencyFunc
// signature used by event.Queue.Schedule.
func (t *Topology) Routable(src, dst event.HostID) (simtime.SimTime, bool) {
	if src == dst {
		return 0, true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.edges[key(src, dst)]
	if !ok {
		return 0, false
	}
	return simtime.FromDuration(e.Latency), true
}

// DropRate returns the configured drop rate between src and dst, or 0 if
// no edge (or an identity edge) applies.
func (t *Topology) DropRate(src, dst event.HostID) float64 {
	if src == dst {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.edges[key(src, dst)]
	if !ok {
		return 0
	}
	return e.DropRate
}

// MinLatency returns the smallest latency among all edges installed so
// far; used to compute the event queue's per-round horizon (§4.1). Returns
// false if no edge has been added yet.
func (t *Topology) MinLatency() (simtime.SimTime, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minLatency, t.latencyKnown
}

// MaxLatency returns the largest latency among all edges installed so far.
// No socket-buffer sizing in this module uses it: TCP buffers keep the
// capacities they were created with.
func (t *Topology) MaxLatency() (simtime.SimTime, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxLatency, t.latencyKnown
}
