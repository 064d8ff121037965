package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReady_ExcludesHandlesNotMatchingInterest(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	d.SetStatus(StatusReadable)

	ep := NewEpoll()
	ep.Add(d.Handle, EPOLLOUT)

	require.Empty(t, ep.Ready(tbl))
}

func TestReady_ReturnsHandlesSatisfyingInterest(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	d.SetStatus(StatusReadable)
	d.SetStatus(StatusWritable)

	ep := NewEpoll()
	ep.Add(d.Handle, EPOLLIN|EPOLLOUT)

	ready := ep.Ready(tbl)
	require.Equal(t, EPOLLIN|EPOLLOUT, ready[d.Handle])
}

func TestReady_IsLevelTriggeredAcrossRepeatedCalls(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	d.SetStatus(StatusReadable)

	ep := NewEpoll()
	ep.Add(d.Handle, EPOLLIN)

	first := ep.Ready(tbl)
	second := ep.Ready(tbl)
	require.Equal(t, first, second)
	require.Contains(t, second, d.Handle)
}

func TestReady_SilentlyExcludesStaleReleasedHandle(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	d.SetStatus(StatusReadable)

	ep := NewEpoll()
	ep.Add(d.Handle, EPOLLIN)
	tbl.Release(d.Handle)

	require.NotPanics(t, func() {
		ready := ep.Ready(tbl)
		require.Empty(t, ready)
	})
}

func TestModify_UpdatesExistingInterestOnly(t *testing.T) {
	ep := NewEpoll()
	ep.Add(3, EPOLLIN)
	ep.Modify(3, EPOLLOUT)
	ep.Modify(4, EPOLLIN) // no-op: 4 was never added

	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	_ = d
	require.Empty(t, ep.Ready(tbl)) // fd 3/4 aren't in tbl; exercised via Ready's skip-on-error path
}

func TestRemove_StopsReportingHandle(t *testing.T) {
	tbl := NewTable()
	d := tbl.Create(TypeTCP, "sock")
	d.SetStatus(StatusReadable)

	ep := NewEpoll()
	ep.Add(d.Handle, EPOLLIN)
	ep.Remove(d.Handle)

	require.Empty(t, ep.Ready(tbl))
}
