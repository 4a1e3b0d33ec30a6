package genl

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRecvDatagram(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	buf := make([]byte, 16)

	_, err = recvDatagram(fds[1], buf)
	require.ErrorIs(t, err, unix.EAGAIN)

	require.NoError(t, unix.Send(fds[0], make([]byte, 12), 0))
	n, err := recvDatagram(fds[1], buf)
	require.NoError(t, err)
	require.Equal(t, 12, n)

	// An oversized datagram is consumed and reported as an overflow.
	require.NoError(t, unix.Send(fds[0], make([]byte, 64), 0))
	_, err = recvDatagram(fds[1], buf)
	require.ErrorIs(t, err, unix.ENOBUFS)

	require.NoError(t, unix.Send(fds[0], make([]byte, 16), 0))
	n, err = recvDatagram(fds[1], buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
}
