// Package worker implements the per-OS-thread event loop described in
// §4.2: pull ready events from the shared queue, acquire the destination
// host's lock, set the active-host context, dispatch, release.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/host"
	"github.com/shadow-sim/shadow/internal/shadow/metrics"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
)

// Dispatcher handles one event for its destination host. It is called
// with the host already locked and its clock already advanced to the
// event's deliver time (§4.2). Implementations live outside this package
// (vsyscall/plugin wiring) to keep worker free of a dependency on the
// syscall surface.
type Dispatcher func(h *host.Host, e *event.Event)

// HostLookup resolves an event.HostID to its Host, e.g. backed by a
// simulation-wide registry built at boot.
type HostLookup func(id event.HostID) (*host.Host, bool)

// Pool runs N workers draining a shared Queue, matching the
// timer/wake-channel run loop pattern used elsewhere in this codebase for
// scheduled background work, adapted here to the event queue's
// (deliver_time, host, seq) ordering instead of a route-probing
// schedule.
type Pool struct {
	log     *slog.Logger
	queue   *event.Queue
	lookup  HostLookup
	dispatch Dispatcher

	minInterHostLatency simtime.SimTime

	n       int
	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc
	cancelMu sync.RWMutex

	// pollInterval bounds how often an idle worker rechecks the queue
	// when it is empty; it does not affect determinism, only CPU use
	// between event arrivals in a live (non-test) run.
	pollInterval time.Duration
}

// New constructs a worker pool of n goroutines. n <= 0 is treated as 1.
func New(log *slog.Logger, queue *event.Queue, lookup HostLookup, dispatch Dispatcher, minInterHostLatency simtime.SimTime, n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		log:                 log,
		queue:                queue,
		lookup:               lookup,
		dispatch:             dispatch,
		minInterHostLatency:  minInterHostLatency,
		n:                    n,
		pollInterval:         time.Millisecond,
	}
}

// Start launches the pool. It is idempotent; a second call while already
// running is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()

	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Stop cancels every worker and blocks until they've all exited.
func (p *Pool) Stop() {
	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.cancelMu.Unlock()
	p.wg.Wait()
	p.running.Store(false)
}

// run is one worker's main loop. Determinism (§4.2/§8) comes entirely from
// the queue's lexicographic ordering and the fact that every per-host
// mutation happens under that host's lock in the order events were
// popped — the number of workers racing to pop batches never changes
// what gets delivered to a given host or in what order, only which OS
// thread happens to process it.
func (p *Pool) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		horizon, ok := p.queue.Horizon(p.minInterHostLatency)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
				continue
			}
		}

		ready := p.queue.PopReady(horizon)
		if len(ready) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
				continue
			}
		}

		for _, e := range ready {
			p.processOne(e)
		}
	}
}

// processOne acquires the destination host's lock, advances its observed
// time, dispatches the event, then releases the lock (§4.2/§5). Workers
// never hold two host locks at once: processOne only ever touches the
// single host e.Dst names.
func (p *Pool) processOne(e *event.Event) {
	h, ok := p.lookup(e.Dst)
	if !ok {
		if p.log != nil {
			p.log.Warn("event for unknown host dropped", "host", e.Dst, "kind", e.Kind)
		}
		return
	}

	h.Lock()
	defer h.Unlock()

	if e.DeliverTime > h.Now() {
		h.SetNow(e.DeliverTime)
	}
	metrics.EventsDelivered.WithLabelValues(e.Kind.String()).Inc()
	p.dispatch(h, e)
}
