package topology

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

func TestRoutable_SelfIsAlwaysRoutableAtZeroLatency(t *testing.T) {
	topo := New()
	lat, ok := topo.Routable(1, 1)
	require.True(t, ok)
	require.Equal(t, simtime.SimTime(0), lat)
}

func TestRoutable_UnknownPairIsUnroutable(t *testing.T) {
	topo := New()
	topo.AddHost(1)
	topo.AddHost(2)

	_, ok := topo.Routable(1, 2)
	require.False(t, ok)
}

func TestRoutable_IsSymmetric(t *testing.T) {
	topo := New()
	topo.AddEdge(1, 2, Edge{Latency: 10 * time.Millisecond})

	latAB, okAB := topo.Routable(1, 2)
	latBA, okBA := topo.Routable(2, 1)
	require.True(t, okAB)
	require.True(t, okBA)
	require.Equal(t, latAB, latBA)
}

func TestDropRate_DefaultsToZeroForUnknownPair(t *testing.T) {
	topo := New()
	require.Equal(t, 0.0, topo.DropRate(1, 2))
}

func TestMinMaxLatency_TrackAcrossEdges(t *testing.T) {
	topo := New()
	_, ok := topo.MinLatency()
	require.False(t, ok)

	topo.AddEdge(1, 2, Edge{Latency: 50 * time.Millisecond})
	topo.AddEdge(1, 3, Edge{Latency: 5 * time.Millisecond})
	topo.AddEdge(2, 3, Edge{Latency: 200 * time.Millisecond})

	min, ok := topo.MinLatency()
	require.True(t, ok)
	require.Equal(t, simtime.FromDuration(5*time.Millisecond), min)

	max, ok := topo.MaxLatency()
	require.True(t, ok)
	require.Equal(t, simtime.FromDuration(200*time.Millisecond), max)
}

func TestAddEdge_OverwritesPriorEdgeForSamePair(t *testing.T) {
	topo := New()
	topo.AddEdge(1, 2, Edge{Latency: 10 * time.Millisecond, DropRate: 0.5})
	topo.AddEdge(2, 1, Edge{Latency: 20 * time.Millisecond, DropRate: 0.1})

	lat, ok := topo.Routable(1, 2)
	require.True(t, ok)
	require.Equal(t, simtime.FromDuration(20*time.Millisecond), lat)
	require.Equal(t, 0.1, topo.DropRate(1, 2))
}

func TestLoadGraphML_ParsesNodesEdgesAndAssignsDenseHostIDs(t *testing.T) {
	doc := `<?xml version="1.0"?>
<graphml>
  <graph edgedefault="undirected">
    <node id="alice"/>
    <node id="bob"/>
    <edge source="alice" target="bob">
      <data key="latencyns">10000000</data>
      <data key="droprate">0.25</data>
    </edge>
  </graph>
</graphml>`

	topo, ids, err := LoadGraphML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, event.HostID(0), ids["alice"])
	require.Equal(t, event.HostID(1), ids["bob"])

	lat, ok := topo.Routable(ids["alice"], ids["bob"])
	require.True(t, ok)
	require.Equal(t, simtime.FromDuration(10*time.Millisecond), lat)
	require.Equal(t, 0.25, topo.DropRate(ids["alice"], ids["bob"]))
}

func TestLoadGraphML_UnknownEdgeEndpointIsAnError(t *testing.T) {
	doc := `<graphml><graph>
    <node id="alice"/>
    <edge source="alice" target="ghost"/>
  </graph></graphml>`

	_, _, err := LoadGraphML(strings.NewReader(doc))
	require.Error(t, err)
}
