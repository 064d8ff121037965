package plugin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// fakeState records save/restore calls so tests can assert on the
// swap-guard's ordering around Enter.
type fakeState struct {
	label   string
	current []byte
}

func (s *fakeState) Save() []byte    { return append([]byte(nil), s.current...) }
func (s *fakeState) Restore(b []byte) { s.current = append([]byte(nil), b...) }

func TestRegisterLookup_RoundTrips(t *testing.T) {
	r := NewRegistry()
	p := &Plugin{Name: "echo"}
	require.NoError(t, r.Register(p))

	got, ok := r.Lookup("echo")
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestRegister_DuplicateNameIsError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Plugin{Name: "echo"}))
	require.Error(t, r.Register(&Plugin{Name: "echo"}))
}

func TestLookup_UnknownNameIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("ghost")
	require.False(t, ok)
}

func TestEnter_SwapsStateInAndRestoresOnExit(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{label: "a"} }}
	instA := NewInstance(a, 1)

	var sawLabel string
	err := instA.Enter(func() error {
		sawLabel = instA.state.(*fakeState).label
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "a", sawLabel)
}

func TestEnter_SavesAndRestoresPriorInstanceAcrossNestedSwap(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{label: "a"} }}
	b := &Plugin{Name: "b", New: func() State { return &fakeState{label: "b"} }}
	instA := NewInstance(a, 1)
	instB := NewInstance(b, 2)

	var innerSawLabel string
	err := instA.Enter(func() error {
		return instB.Enter(func() error {
			innerSawLabel = instB.state.(*fakeState).label
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, "b", innerSawLabel)
}

func TestEnter_ReturnsErrorFromFn(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{} }}
	inst := NewInstance(a, 1)

	want := fmt.Errorf("boom")
	err := inst.Enter(func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestEnter_RecoversPanicAsError(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{} }}
	inst := NewInstance(a, 1)

	err := inst.Enter(func() error { panic("boom") })
	require.Error(t, err)
}

func TestEnter_ReentrantSameInstanceIsStateMismatch(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{} }}
	inst := NewInstance(a, 1)

	var innerErr error
	outerErr := inst.Enter(func() error {
		innerErr = inst.Enter(func() error { return nil })
		return nil
	})
	require.NoError(t, outerErr)
	require.Error(t, innerErr)
}

func TestFree_CallsPluginFreeHookWithState(t *testing.T) {
	var freedWith State
	a := &Plugin{
		Name: "a",
		New:  func() State { return &fakeState{label: "a"} },
		Free: func(s State) { freedWith = s },
	}
	inst := NewInstance(a, 1)
	inst.Free()

	require.Same(t, inst.state, freedWith)
}

func TestFree_NoOpWhenPluginHasNoFreeHook(t *testing.T) {
	a := &Plugin{Name: "a", New: func() State { return &fakeState{} }}
	inst := NewInstance(a, 1)
	require.NotPanics(t, func() { inst.Free() })
}

func TestActive_ReflectsCurrentlyEnteredInstance(t *testing.T) {
	require.Nil(t, Active())

	a := &Plugin{Name: "a", New: func() State { return &fakeState{} }}
	inst := NewInstance(a, 1)

	var sawActive *Instance
	err := inst.Enter(func() error {
		sawActive = Active()
		return nil
	})
	require.NoError(t, err)
	require.Same(t, inst, sawActive)
	require.Nil(t, Active())
}

func TestLoad_MissingPathIsPluginLoadError(t *testing.T) {
	_, err := Load("missing", "/nonexistent/path/to/plugin.so")
	require.ErrorIs(t, err, serrors.ErrPluginLoad)
}
