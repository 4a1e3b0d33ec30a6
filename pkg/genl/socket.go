package genl

import (
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Socket is the netlink transport used by Conn and by multicast
// listeners.
//
// Messages returned by a non-blocking Receive may alias a buffer that
// the next Receive overwrites.
type Socket interface {
	Send(req *nl.NetlinkRequest) error
	// Receive returns the messages of one datagram. With block false an
	// empty socket yields EAGAIN.
	Receive(block bool) ([]syscall.NetlinkMessage, error)
	JoinGroup(group uint32) error
	LeaveGroup(group uint32) error
	// Drain discards every datagram queued on the socket.
	Drain() error
	Fd() int
	Close()
}

// Dialer opens a new Socket.
type Dialer func() (Socket, error)

// recvBufSize matches the receive buffer the netlink library uses.
const recvBufSize = 65536

type netlinkSocket struct {
	s   *nl.NetlinkSocket
	buf []byte
}

// Dial opens an unbound-to-groups NETLINK_GENERIC socket.
func Dial() (Socket, error) {
	s, err := nl.Subscribe(unix.NETLINK_GENERIC)
	if err != nil {
		return nil, fmt.Errorf("open generic netlink socket: %w", err)
	}
	return &netlinkSocket{s: s, buf: make([]byte, recvBufSize)}, nil
}

func (ns *netlinkSocket) Send(req *nl.NetlinkRequest) error {
	return ns.s.Send(req)
}

func (ns *netlinkSocket) Receive(block bool) ([]syscall.NetlinkMessage, error) {
	if block {
		msgs, _, err := ns.s.Receive()
		return msgs, err
	}
	n, err := recvDatagram(ns.s.GetFd(), ns.buf)
	if err != nil {
		return nil, err
	}
	if n < unix.NLMSG_HDRLEN {
		return nil, unix.EINVAL
	}
	return syscall.ParseNetlinkMessage(ns.buf[:n])
}

// recvDatagram reads one datagram from fd without blocking. A datagram
// larger than buf is dropped and reported as ENOBUFS, the same as a
// kernel-side overflow.
func recvDatagram(fd int, buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
	if err != nil {
		return 0, err
	}
	if n > len(buf) {
		return 0, unix.ENOBUFS
	}
	return n, nil
}

func (ns *netlinkSocket) JoinGroup(group uint32) error {
	return unix.SetsockoptInt(ns.s.GetFd(), unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(group))
}

func (ns *netlinkSocket) LeaveGroup(group uint32) error {
	return unix.SetsockoptInt(ns.s.GetFd(), unix.SOL_NETLINK, unix.NETLINK_DROP_MEMBERSHIP, int(group))
}

func (ns *netlinkSocket) Drain() error {
	for {
		_, _, err := unix.Recvfrom(ns.s.GetFd(), ns.buf, unix.MSG_DONTWAIT)
		switch err {
		case nil, unix.ENOBUFS:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

func (ns *netlinkSocket) Fd() int {
	return ns.s.GetFd()
}

func (ns *netlinkSocket) Close() {
	ns.s.Close()
}
