package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/host"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

func flatLatency(src, dst event.HostID) (simtime.SimTime, bool) {
	if src == dst {
		return 0, true
	}
	return 5, true
}

func TestProcessOne_AdvancesHostClockAndDispatches(t *testing.T) {
	h := host.New(1, "h", 10, 0)
	queue := event.NewQueue(flatLatency)

	var gotTime simtime.SimTime
	dispatched := make(chan struct{}, 1)
	dispatch := func(hh *host.Host, e *event.Event) {
		gotTime = hh.Now()
		dispatched <- struct{}{}
	}

	lookup := func(id event.HostID) (*host.Host, bool) {
		if id == h.ID {
			return h, true
		}
		return nil, false
	}

	p := New(nil, queue, lookup, dispatch, 5, 1)
	_, err := queue.Schedule(h.ID, h.ID, 0, 10, event.KindTimer, nil)
	require.NoError(t, err)

	ready := queue.PopReady(100)
	require.Len(t, ready, 1)
	p.processOne(ready[0])

	select {
	case <-dispatched:
	default:
	}
	require.Equal(t, simtime.SimTime(10), gotTime)
}

func TestProcessOne_UnknownHostIsDroppedWithoutPanicking(t *testing.T) {
	queue := event.NewQueue(flatLatency)
	lookup := func(id event.HostID) (*host.Host, bool) { return nil, false }
	dispatch := func(hh *host.Host, e *event.Event) { t.Fatal("dispatch must not be called for an unknown host") }

	p := New(nil, queue, lookup, dispatch, 5, 1)
	e := &event.Event{Dst: 99, DeliverTime: 1}
	require.NotPanics(t, func() { p.processOne(e) })
}

func TestStartStop_DrainsScheduledEventsThenStopsCleanly(t *testing.T) {
	h := host.New(1, "h", 10, 0)
	queue := event.NewQueue(flatLatency)
	lookup := func(id event.HostID) (*host.Host, bool) { return h, true }

	delivered := make(chan struct{}, 1)
	dispatch := func(hh *host.Host, e *event.Event) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	}

	p := New(nil, queue, lookup, dispatch, 0, 2)
	_, err := queue.Schedule(h.ID, h.ID, 0, 0, event.KindTimer, nil)
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued event to be dispatched")
	}
}

func TestStart_IsIdempotentWhileRunning(t *testing.T) {
	queue := event.NewQueue(flatLatency)
	lookup := func(id event.HostID) (*host.Host, bool) { return nil, false }
	p := New(nil, queue, lookup, func(*host.Host, *event.Event) {}, 0, 1)

	p.Start(context.Background())
	p.Start(context.Background()) // no-op: running already true
	p.Stop()
}
