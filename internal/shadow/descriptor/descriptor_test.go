package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

func TestNewTable_PreRegistersStdioIdentities(t *testing.T) {
	tbl := NewTable()
	for h := Handle(0); h < FirstDynamicHandle; h++ {
		osfd, ok := tbl.OSHandle(h)
		require.True(t, ok)
		require.Equal(t, int32(h), osfd)
	}
}

func TestCreate_FirstDynamicHandleIsThree(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock-a")
	require.Equal(t, FirstDynamicHandle, d.Handle)
}

func TestCreate_AssignsIncreasingHandlesUntilReuse(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create(TypeTCP, "a")
	b := tbl.Create(TypeTCP, "b")
	require.Equal(t, a.Handle+1, b.Handle)
}

func TestRelease_HandleIsReusedBeforeExtendingCounter(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create(TypeTCP, "a")
	b := tbl.Create(TypeTCP, "b")
	tbl.Release(a.Handle)

	c := tbl.Create(TypeTCP, "c")
	require.Equal(t, a.Handle, c.Handle)

	d := tbl.Create(TypeTCP, "d")
	require.Equal(t, b.Handle+1, d.Handle)
}

func TestGet_UnknownHandleIsBadDescriptor(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Get(99)
	require.ErrorIs(t, err, serrors.ErrBadDescriptor)
}

func TestClose_FlipsActiveToClosedWithoutRemovingFromTable(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "a")
	require.NoError(t, tbl.Close(d.Handle))

	got, err := tbl.Get(d.Handle)
	require.NoError(t, err)
	require.False(t, got.hasStatus(StatusActive))
	require.True(t, got.hasStatus(StatusClosed))
}

func TestRelease_RemovesFromTableAndOSBindings(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "a")
	tbl.BindOSHandle(d.Handle, 50)
	tbl.Release(d.Handle)

	_, err := tbl.Get(d.Handle)
	require.ErrorIs(t, err, serrors.ErrBadDescriptor)
	_, ok := tbl.ShadowHandle(50)
	require.False(t, ok)
}

func TestAll_ReturnsEveryLiveDescriptor(t *testing.T) {
	tbl := NewTable()
	tbl.Create(TypeTCP, "a")
	tbl.Create(TypeUDP, "b")

	all := tbl.All()
	require.Len(t, all, 2)
}

func TestSetStatusClearStatus_ToggleBits(t *testing.T) {
	d := &Descriptor{Status: StatusActive}
	d.SetStatus(StatusReadable)
	require.True(t, d.hasStatus(StatusReadable))

	d.ClearStatus(StatusReadable)
	require.False(t, d.hasStatus(StatusReadable))
	require.True(t, d.hasStatus(StatusActive))
}
