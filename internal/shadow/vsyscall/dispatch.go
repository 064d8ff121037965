package vsyscall

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shadow-sim/shadow/internal/shadow/config"
	"github.com/shadow-sim/shadow/internal/shadow/descriptor"
	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/host"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/plugin"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
	"github.com/shadow-sim/shadow/internal/shadow/tcp"
)

// TimerTick is the KindTimer payload (§3): periodic per-connection
// maintenance (RTO expiry, TIME_WAIT teardown) for the TCP socket behind
// fd on the host the event targets, since the timer is armed per
// connection rather than per host.
type TimerTick struct {
	FD descriptor.Handle
}

// ArmTick schedules the first maintenance tick for fd, delay after h's
// current time. Surface.Connect and Surface.Accept call this when a
// socket enters a state that needs timeout tracking; tick
// re-arms itself afterward for as long as the socket still needs it.
func (s *Surface) ArmTick(h *host.Host, fd descriptor.Handle, delay simtime.SimTime) {
	_, _ = s.Queue.Schedule(h.ID, h.ID, h.Now(), delay, event.KindTimer, TimerTick{FD: fd})
}

// Dispatcher returns a worker.Dispatcher bound to this Surface: the
// function every worker calls, with the destination host already locked
// and its clock already advanced, to apply one event's effect (§4.2).
// ProcessStart and DescriptorReady are the events that actually invoke a
// host's registered plug-in, via plugin.Instance.Enter (§9); Dispatch logs
// and ignores any kind it doesn't recognize so that composition stays
// safe.
func (s *Surface) Dispatcher(log *slog.Logger) func(h *host.Host, e *event.Event) {
	return func(h *host.Host, e *event.Event) {
		switch e.Kind {
		case event.KindPacketArrival:
			p, ok := e.Payload.(*packet.Packet)
			if !ok {
				return
			}
			s.deliverArrival(h, p)
		case event.KindTimer:
			tick, ok := e.Payload.(TimerTick)
			if !ok {
				return
			}
			s.tick(h, tick)
		case event.KindProcessStart:
			proc, ok := e.Payload.(config.Process)
			if !ok {
				return
			}
			s.startProcess(h, proc, log)
		case event.KindDescriptorReady:
			ready, ok := e.Payload.(DescriptorReady)
			if !ok {
				return
			}
			s.retryDescriptor(h, ready.FD, log)
		case event.KindHeartbeat:
			// No per-host heartbeat events are scheduled into the queue in
			// this build, so there is nothing to apply here; cmd/shadow's
			// own wall-clock ticker covers progress logging instead.
		default:
			if log != nil {
				log.Warn("dropping event of unrecognized kind", "kind", e.Kind, "host", e.Dst)
			}
		}
	}
}

// startProcess resolves proc's plugin name against the registry, creates a
// fresh Instance owned by h, and runs the plug-in's entry point inside
// Instance.Enter so it sees its own saved state installed for the
// duration (§9). This is the event that actually puts a plug-in's
// vsyscalls on the wire: without it, a scenario's <process> elements never
// execute any code.
func (s *Surface) startProcess(h *host.Host, proc config.Process, log *slog.Logger) {
	if s.Plugins == nil {
		if log != nil {
			log.Warn("process start with no plugin registry configured", "host", h.Hostname, "plugin", proc.Plugin)
		}
		return
	}
	p, ok := s.Plugins.Lookup(proc.Plugin)
	if !ok {
		if log != nil {
			log.Error("process references unregistered plugin", "host", h.Hostname, "plugin", proc.Plugin)
		}
		return
	}

	inst := plugin.NewInstance(p, h.ID)
	argv := strings.Fields(proc.Arguments)
	err := inst.Enter(func() error {
		if p.Run == nil {
			return nil
		}
		return p.Run(int64(h.Now().Duration()), argv)
	})
	if err != nil && log != nil {
		log.Warn("plugin process exited with error", "host", h.Hostname, "plugin", proc.Plugin, "error", err)
	}
}

// retryDescriptor re-enters the plug-in instance that owns fd, if any,
// letting it retry a vsyscall that previously returned WouldBlock: CPU
// delay finished absorbing, or a packet arrived for the descriptor
// (§4.8/§9). A descriptor with no tracked owner (no plug-in was active
// when it was created) is silently ignored.
func (s *Surface) retryDescriptor(h *host.Host, fd descriptor.Handle, log *slog.Logger) {
	inst, ok := s.owner(h.ID, fd)
	if !ok {
		return
	}
	err := inst.Enter(func() error {
		if inst.Plugin.Run == nil {
			return nil
		}
		return inst.Plugin.Run(int64(h.Now().Duration()), []string{"descriptor_ready", fmt.Sprint(fd)})
	})
	if err != nil && log != nil {
		log.Warn("plugin descriptor-ready retry failed", "host", h.Hostname, "fd", fd, "error", err)
	}
}

// trackOwner records which plug-in instance, if any, is currently entered
// when fd is created, so a later DescriptorReady for fd re-enters that same
// instance rather than a different one sharing the same host.
func (s *Surface) trackOwner(id event.HostID, fd descriptor.Handle) {
	inst := plugin.Active()
	if inst == nil {
		return
	}
	s.instMu.Lock()
	defer s.instMu.Unlock()
	if s.fdOwner[id] == nil {
		s.fdOwner[id] = make(map[descriptor.Handle]*plugin.Instance)
	}
	s.fdOwner[id][fd] = inst
}

func (s *Surface) owner(id event.HostID, fd descriptor.Handle) (*plugin.Instance, bool) {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	inst, ok := s.fdOwner[id][fd]
	return inst, ok
}

// deliverArrival routes an inbound packet to the socket bound to its
// destination (proto, port) on any interface of h, and releases the
// packet's reference once delivered (the socket retains its own copy via
// Retain if it needs to keep it past this call, per the refcounting
// discipline in §9).
func (s *Surface) deliverArrival(h *host.Host, p *packet.Packet) {
	defer p.Release()
	iface, ok := h.Interfaces[p.IP.Dst]
	if !ok {
		iface, ok = h.DefaultInterface()
		if !ok {
			return
		}
	}
	iface.Deliver(p)
}

// tick applies periodic per-connection maintenance (§4.6: RTO expiry,
// TIME_WAIT teardown) and re-arms itself by scheduling the next tick if
// the socket still needs one. A closed or since-released descriptor
// simply lets the chain die: there is no error path here because the
// timer outliving its socket is an expected race with application close.
func (s *Surface) tick(h *host.Host, t TimerTick) {
	sock, err := h.TCPSocket(t.FD)
	if err != nil {
		return
	}
	sock.Tick(h.Now())
	if sock.HasDataToSend() {
		_ = s.Pump(h, h.ID, h.ID)
	}
	if sock.State == tcp.StateClosed {
		return
	}
	s.ArmTick(h, t.FD, sock.RTO())
}
