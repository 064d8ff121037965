// Package plugin implements the plug-in registry and state-swap guard
// described in §9: a plug-in's global/TLS state is only ever valid while
// its originating host is the "active" one, so every entry into plug-in
// code is bracketed by a swap that installs that host's saved state and
// restores whatever was active beforehand on exit, even on panic.
package plugin

import (
	"fmt"
	"sync"

	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// EntryFunc is a plug-in's exported entry point: shadow_plugin_init,
// shadow_plugin_new, shadow_plugin_run, shadow_plugin_free, or a
// process's main, each bound to one registered plug-in (§9).
type EntryFunc func(now int64, argv []string) error

// Plugin is one loaded plug-in's registration (§9): its entry points and
// an opaque State constructor for hosts running it.
type Plugin struct {
	Name string

	New  func() State
	Run  EntryFunc
	Free func(State)
}

// State is a plug-in's per-process global/TLS state snapshot. Save/Restore
// let the host container swap it in and out around every entry call (§9).
type State interface {
	Save() []byte
	Restore([]byte)
}

// Registry holds every plug-in known to the simulation, keyed by name,
// installed once at configuration load (§6 <plugin> elements) before any
// host boots.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Plugin
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Plugin)}
}

// Register installs p, failing if the name is already taken — plug-in
// names must be unique across a scenario (§6).
func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[p.Name]; ok {
		return fmt.Errorf("plugin %q already registered: %w", p.Name, serrors.ErrPluginLoad)
	}
	r.byName[p.Name] = p
	return nil
}

// Lookup returns the plug-in registered under name.
func (r *Registry) Lookup(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Instance is one running process's plug-in binding: which Plugin it runs
// and that process's own State, isolated per-host (§9: "a process's
// global variables belong to whichever host most recently entered its
// code").
type Instance struct {
	Plugin *Plugin
	Owner  event.HostID
	state  State
	saved  []byte
}

// NewInstance constructs a fresh per-process instance, calling the
// plug-in's New to obtain its initial state.
func NewInstance(p *Plugin, owner event.HostID) *Instance {
	return &Instance{Plugin: p, Owner: owner, state: p.New()}
}

// active tracks which Instance's state is currently installed, globally,
// matching the real single-process-address-space constraint a native
// plug-in ABI would impose: only one host's code can be "live" in the
// process's global variables at a time (§9).
var (
	activeMu sync.Mutex
	active   *Instance
)

// Enter swaps in this instance's saved state as the globally active one,
// runs fn, then restores whatever was active before Enter was called —
// even if fn panics. It returns ErrPluginStateMismatch, without running
// fn, if this same instance is already the active one (a reentrant Enter
// from inside its own fn); entering a different instance nests.
func (in *Instance) Enter(fn func() error) (err error) {
	activeMu.Lock()
	prior := active
	if prior == in {
		activeMu.Unlock()
		return serrors.ErrPluginStateMismatch
	}
	if prior != nil {
		prior.saved = prior.state.Save()
	}
	in.state.Restore(in.saved)
	active = in
	activeMu.Unlock()

	defer func() {
		activeMu.Lock()
		in.saved = in.state.Save()
		if prior != nil {
			prior.state.Restore(prior.saved)
		}
		active = prior
		activeMu.Unlock()
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v: %w", in.Plugin.Name, r, serrors.ErrInternal)
		}
	}()

	return fn()
}

// Free releases the instance's state via the plug-in's Free hook, if any.
func (in *Instance) Free() {
	if in.Plugin.Free != nil {
		in.Plugin.Free(in.state)
	}
}

// Active returns the Instance whose state is currently installed, if any.
// The vsyscall layer uses this to attribute a descriptor to the plug-in
// instance that created it while that instance is entered, so a later
// DescriptorReady retry re-enters the same instance instead of a
// different one sharing the same host.
func Active() *Instance {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}
