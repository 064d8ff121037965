package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

func flatTopology(minLatency simtime.SimTime) LatencyFunc {
	return func(src, dst HostID) (simtime.SimTime, bool) {
		if src == dst {
			return 0, true
		}
		return minLatency, true
	}
}

func TestSchedule_SameHostBypassesLatencyFloor(t *testing.T) {
	q := NewQueue(flatTopology(100))

	_, err := q.Schedule(1, 1, 0, 0, KindTimer, nil)
	require.NoError(t, err)
}

func TestSchedule_CrossHostBelowMinLatencyRejected(t *testing.T) {
	q := NewQueue(flatTopology(100))

	_, err := q.Schedule(1, 2, 0, 50, KindPacketArrival, nil)
	require.ErrorIs(t, err, serrors.ErrInvalidSchedule)
}

func TestSchedule_CrossHostAtOrAboveMinLatencyAccepted(t *testing.T) {
	q := NewQueue(flatTopology(100))

	_, err := q.Schedule(1, 2, 0, 100, KindPacketArrival, nil)
	require.NoError(t, err)
}

func TestSchedule_UnroutablePairRejected(t *testing.T) {
	q := NewQueue(func(src, dst HostID) (simtime.SimTime, bool) { return 0, false })

	_, err := q.Schedule(1, 2, 0, 0, KindPacketArrival, nil)
	require.ErrorIs(t, err, serrors.ErrConnectionRefused)
}

func TestPopReady_OrdersByDeliverTimeThenDstThenSeq(t *testing.T) {
	q := NewQueue(flatTopology(0))

	_, err := q.Schedule(1, 2, 0, 10, KindPacketArrival, "b-late")
	require.NoError(t, err)
	_, err = q.Schedule(1, 3, 0, 5, KindPacketArrival, "c-early")
	require.NoError(t, err)
	_, err = q.Schedule(1, 1, 0, 5, KindPacketArrival, "a-same-time-lower-dst")
	require.NoError(t, err)

	ready := q.PopReady(10)
	require.Len(t, ready, 3)
	require.Equal(t, "a-same-time-lower-dst", ready[0].Payload)
	require.Equal(t, "c-early", ready[1].Payload)
	require.Equal(t, "b-late", ready[2].Payload)
}

func TestPopReady_LeavesEventsAboveHorizonQueued(t *testing.T) {
	q := NewQueue(flatTopology(0))

	_, err := q.Schedule(1, 1, 0, 5, KindTimer, nil)
	require.NoError(t, err)
	_, err = q.Schedule(1, 1, 0, 50, KindTimer, nil)
	require.NoError(t, err)

	ready := q.PopReady(10)
	require.Len(t, ready, 1)
	require.Equal(t, 1, q.Len())
}

func TestHorizon_AddsMinInterHostLatencyToEarliest(t *testing.T) {
	q := NewQueue(flatTopology(0))

	_, err := q.Schedule(1, 1, 0, 20, KindTimer, nil)
	require.NoError(t, err)

	horizon, ok := q.Horizon(5)
	require.True(t, ok)
	require.Equal(t, simtime.SimTime(25), horizon)
}

func TestHorizon_EmptyQueueNotOK(t *testing.T) {
	q := NewQueue(flatTopology(0))

	_, ok := q.Horizon(5)
	require.False(t, ok)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "packet_arrival", KindPacketArrival.String())
	require.Equal(t, "unknown", Kind(99).String())
}
