package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

func TestAdd_RegistersLiteralHostname(t *testing.T) {
	r := New()
	defer r.Close()

	e := r.Add("server", 10, 1, 1000, 1000)
	require.Equal(t, "server", e.Hostname)

	got, err := r.ResolveByName("server")
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestAdd_EmptyHostnameUsesDefault(t *testing.T) {
	r := New()
	defer r.Close()

	e := r.Add("", 10, 1, 0, 0)
	require.Equal(t, DefaultHostname, e.Hostname)
}

func TestAddUnique_PrefixesHostnameWithMonotonicUniqueID(t *testing.T) {
	r := New()
	defer r.Close()

	first := r.AddUnique("web", 10, 1, 1000, 1000)
	second := r.AddUnique("web", 11, 2, 1000, 1000)

	require.Equal(t, "0.web", first.Hostname)
	require.Equal(t, "1.web", second.Hostname)
}

func TestAddUnique_EmptyHostnameUsesDefault(t *testing.T) {
	r := New()
	defer r.Close()

	e := r.AddUnique("", 10, 1, 0, 0)
	require.Equal(t, "0."+DefaultHostname, e.Hostname)
}

func TestAddUnique_CounterNotAdvancedByAdd(t *testing.T) {
	r := New()
	defer r.Close()

	r.Add("literal", 10, 1, 0, 0)
	e := r.AddUnique("web", 11, 2, 0, 0)
	require.Equal(t, "0.web", e.Hostname)
}

func TestResolveByName_RoundTripsThroughAdd(t *testing.T) {
	r := New()
	defer r.Close()

	want := r.Add("server", 0x0a000001, 7, 5000, 3000)

	got, err := r.ResolveByName(want.Hostname)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resolved entry mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveByAddr_RoundTripsThroughAdd(t *testing.T) {
	r := New()
	defer r.Close()

	want := r.Add("server", 0x0a000001, 7, 5000, 3000)

	got, err := r.ResolveByAddr(want.IP)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestResolveByName_UnknownHostnameIsError(t *testing.T) {
	r := New()
	defer r.Close()

	_, err := r.ResolveByName("ghost")
	require.ErrorIs(t, err, serrors.ErrResolveNoName)
}

func TestAdd_DuplicateAddressEvictsPriorNameMapping(t *testing.T) {
	r := New()
	defer r.Close()

	first := r.Add("a", 10, 1, 0, 0)
	r.Add("b", 10, 2, 0, 0)

	_, err := r.ResolveByName(first.Hostname)
	require.ErrorIs(t, err, serrors.ErrResolveNoName)
}

func TestRemoveByAddr_DropsBothMappings(t *testing.T) {
	r := New()
	defer r.Close()

	e := r.Add("server", 10, 1, 0, 0)
	r.RemoveByAddr(e.IP)

	_, err := r.ResolveByAddr(e.IP)
	require.ErrorIs(t, err, serrors.ErrResolveNoName)
	_, err = r.ResolveByName(e.Hostname)
	require.ErrorIs(t, err, serrors.ErrResolveNoName)
}

func TestBandwidth_ReturnsMinOfDownAndUp(t *testing.T) {
	r := New()
	defer r.Close()

	e := r.Add("server", 10, 1, 9000, 4000)

	down, up, min, err := r.Bandwidth(e.IP)
	require.NoError(t, err)
	require.Equal(t, uint64(9000), down)
	require.Equal(t, uint64(4000), up)
	require.Equal(t, uint64(4000), min)
}

func TestReverseHostname_PopulatesAndServesFromCache(t *testing.T) {
	r := New(WithReverseCacheTTL(time.Minute))
	defer r.Close()

	e := r.Add("server", 10, 1, 0, 0)

	name, err := r.ReverseHostname(e.IP)
	require.NoError(t, err)
	require.Equal(t, e.Hostname, name)
}

func TestResolveSystem_RetriesTransientFailureThenSucceeds(t *testing.T) {
	r := New()
	defer r.Close()

	attempts := 0
	fn := func() (*Entry, error) {
		attempts++
		if attempts < 2 {
			return nil, serrors.ErrResolveSystem
		}
		return &Entry{Hostname: "ok"}, nil
	}

	e, err := r.ResolveSystem(context.Background(), fn)
	require.NoError(t, err)
	require.Equal(t, "ok", e.Hostname)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestResolveSystem_NonTransientFailureIsNotRetried(t *testing.T) {
	r := New()
	defer r.Close()

	attempts := 0
	fn := func() (*Entry, error) {
		attempts++
		return nil, serrors.ErrResolveNoName
	}

	_, err := r.ResolveSystem(context.Background(), fn)
	require.ErrorIs(t, err, serrors.ErrResolveNoName)
	require.Equal(t, 1, attempts)
}
