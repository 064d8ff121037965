package host

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow-sim/shadow/internal/shadow/descriptor"
	"github.com/shadow-sim/shadow/internal/shadow/netiface"
	"github.com/shadow-sim/shadow/internal/shadow/packet"
	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

func TestSetNowNow_RoundTrips(t *testing.T) {
	h := New(1, "h", 10, 0)
	h.SetNow(42)
	require.Equal(t, int64(42), int64(h.Now()))
}

func TestNextSeq_IsMonotonicallyIncreasing(t *testing.T) {
	h := New(1, "h", 10, 0)
	a := h.NextSeq()
	b := h.NextSeq()
	require.Equal(t, a+1, b)
}

func TestAttachInterfaceDefaultInterface_ResolvesByDefaultIP(t *testing.T) {
	h := New(1, "h", 10, 0)
	iface := netiface.New(10, 1000, 1000, netiface.QDiscFIFO, 1)
	h.AttachInterface(iface)

	got, ok := h.DefaultInterface()
	require.True(t, ok)
	require.Same(t, iface, got)
}

func TestCreateTCPSocketTCPSocket_RoundTrips(t *testing.T) {
	h := New(1, "h", 10, 0)
	fd, sock := h.CreateTCPSocket(1024, 1024)

	got, err := h.TCPSocket(fd)
	require.NoError(t, err)
	require.Same(t, sock, got)
}

func TestTCPSocket_WrongDescriptorTypeIsNotASocket(t *testing.T) {
	h := New(1, "h", 10, 0)
	fd, _ := h.CreateUDPSocket(1024)

	_, err := h.TCPSocket(fd)
	require.ErrorIs(t, err, serrors.ErrNotASocket)
}

func TestBindAny_ReservesPortAcrossEveryInterface(t *testing.T) {
	h := New(1, "h", 10, 0)
	a := netiface.New(10, 1000, 1000, netiface.QDiscFIFO, 1)
	b := netiface.New(11, 1000, 1000, netiface.QDiscFIFO, 2)
	h.AttachInterface(a)
	h.AttachInterface(b)

	_, sock := h.CreateTCPSocket(1024, 1024)
	require.NoError(t, h.BindAny(packet.ProtoTCP, 80, sock))

	require.Error(t, a.BindExplicit(packet.ProtoTCP, 80, sock))
	require.Error(t, b.BindExplicit(packet.ProtoTCP, 80, sock))
}

func TestBindAny_PartialFailureReleasesAlreadyReservedInterfaces(t *testing.T) {
	h := New(1, "h", 10, 0)
	a := netiface.New(10, 1000, 1000, netiface.QDiscFIFO, 1)
	b := netiface.New(11, 1000, 1000, netiface.QDiscFIFO, 2)
	h.AttachInterface(a)
	h.AttachInterface(b)

	_, occupied := h.CreateTCPSocket(1024, 1024)
	require.NoError(t, b.BindExplicit(packet.ProtoTCP, 80, occupied))

	_, sock := h.CreateTCPSocket(1024, 1024)
	require.Error(t, h.BindAny(packet.ProtoTCP, 80, sock))

	// a must have been released since b already held the port.
	require.NoError(t, a.BindExplicit(packet.ProtoTCP, 80, sock))
}

func TestEpollCtlAddEpollWait_ReportsReadyOnMatchingStatus(t *testing.T) {
	h := New(1, "h", 10, 0)
	fd, _ := h.CreateTCPSocket(1024, 1024)
	epfd := h.CreateEpoll()

	require.NoError(t, h.EpollCtlAdd(epfd, fd, descriptor.EPOLLIN))

	d, err := h.Descriptors.Get(fd)
	require.NoError(t, err)
	d.SetStatus(descriptor.StatusReadable)

	ready, err := h.EpollWait(epfd)
	require.NoError(t, err)
	require.Contains(t, ready, fd)
}

func TestCloseDescriptor_RemovesEpollRegistrationAndMarksClosed(t *testing.T) {
	h := New(1, "h", 10, 0)
	fd, _ := h.CreateTCPSocket(1024, 1024)
	epfd := h.CreateEpoll()
	require.NoError(t, h.EpollCtlAdd(epfd, fd, descriptor.EPOLLIN))

	require.NoError(t, h.CloseDescriptor(fd))

	d, err := h.Descriptors.Get(fd)
	require.NoError(t, err)
	require.Zero(t, d.Status&descriptor.StatusActive)

	ready, err := h.EpollWait(epfd)
	require.NoError(t, err)
	require.Empty(t, ready)
}
