package plugin

import (
	"fmt"
	goplugin "plugin"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// Load opens the compiled plug-in object at path (built with
// `go build -buildmode=plugin`) and adapts its exported New/Run/Free
// symbols into a Plugin registered under id. This is the Go realization of
// §9's "loads a shared object, records addresses of its registered
// globals, saves/restores them around every entry into plug-in code": the
// standard library's plugin package is the only mechanism Go itself offers
// for loading code from a path at runtime, so there is no third-party
// library to reach for in its place.
//
// New is required and must have signature func() State. Run
// (func(int64, []string) error) and Free (func(State)) are looked up but
// optional; a plug-in with no Run is registered but never does anything
// when entered.
func Load(id, path string) (*Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load plugin %q at %q: %w: %w", id, path, err, serrors.ErrPluginLoad)
	}

	newSym, err := so.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("plugin %q: missing New symbol: %w: %w", id, err, serrors.ErrPluginLoad)
	}
	newFn, ok := newSym.(func() State)
	if !ok {
		return nil, fmt.Errorf("plugin %q: New has the wrong signature: %w", id, serrors.ErrPluginLoad)
	}

	p := &Plugin{Name: id, New: newFn}

	if runSym, err := so.Lookup("Run"); err == nil {
		if fn, ok := runSym.(func(int64, []string) error); ok {
			p.Run = fn
		}
	}
	if freeSym, err := so.Lookup("Free"); err == nil {
		if fn, ok := freeSym.(func(State)); ok {
			p.Free = fn
		}
	}

	return p, nil
}
