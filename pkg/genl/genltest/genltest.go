// Package genltest provides an in-memory generic netlink network for
// tests: sockets, a request handler standing in for the kernel, and
// multicast delivery.
package genltest

import (
	"errors"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
)

// Handler answers one request on behalf of the kernel. For dump
// requests every returned message becomes one part of the dump.
type Handler interface {
	Handle(req genl.Message) ([]genl.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req genl.Message) ([]genl.Message, error)

func (f HandlerFunc) Handle(req genl.Message) ([]genl.Message, error) { return f(req) }

// Network connects fake sockets to a Handler.
type Network struct {
	mu      sync.Mutex
	handler Handler
	sockets map[*Socket]struct{}
	nextFd  int

	// DialErr, when set, fails every Dial.
	DialErr error
	// Dials counts successful Dial calls.
	Dials int
}

// NewNetwork returns a network whose requests are answered by h.
func NewNetwork(h Handler) *Network {
	return &Network{handler: h, sockets: make(map[*Socket]struct{}), nextFd: 100}
}

// Dial opens a socket on the network. It satisfies genl.Dialer.
func (n *Network) Dial() (genl.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.DialErr != nil {
		return nil, n.DialErr
	}
	s := &Socket{net: n, fd: n.nextFd, groups: make(map[uint32]bool), JoinErr: make(map[uint32]error)}
	n.nextFd++
	n.Dials++
	n.sockets[s] = struct{}{}
	return s, nil
}

// Sockets returns the currently open sockets.
func (n *Network) Sockets() []*Socket {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Socket, 0, len(n.sockets))
	for s := range n.sockets {
		out = append(out, s)
	}
	return out
}

// Multicast delivers msgs, one datagram each, to every socket joined
// to group.
func (n *Network) Multicast(group uint32, msgs ...genl.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.sockets {
		if !s.groups[group] {
			continue
		}
		for _, m := range msgs {
			s.enqueue(datagram{msgs: []syscall.NetlinkMessage{m.Netlink()}})
		}
	}
}

type datagram struct {
	msgs []syscall.NetlinkMessage
	err  error
}

// Socket is an in-memory genl.Socket.
type Socket struct {
	net    *Network
	fd     int
	queue  []datagram
	groups map[uint32]bool
	closed bool

	// JoinErr holds per-group errors returned by JoinGroup.
	JoinErr map[uint32]error
	// Joins and Leaves record membership calls in order.
	Joins  []uint32
	Leaves []uint32
	// Drains counts Drain calls.
	Drains int
}

func (s *Socket) enqueue(d datagram) {
	s.queue = append(s.queue, d)
}

// Inject queues a datagram carrying raw messages, bypassing encoding.
func (s *Socket) Inject(msgs ...syscall.NetlinkMessage) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.enqueue(datagram{msgs: msgs})
}

// InjectError makes the next Receive fail with err.
func (s *Socket) InjectError(err error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.enqueue(datagram{err: err})
}

// Pending returns the number of queued datagrams.
func (s *Socket) Pending() int {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return len(s.queue)
}

// Joined reports whether the socket is a member of group.
func (s *Socket) Joined(group uint32) bool {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.groups[group]
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.closed
}

func (s *Socket) Send(req *nl.NetlinkRequest) error {
	raw := req.Serialize()
	nlmsgs, err := syscall.ParseNetlinkMessage(raw)
	if err != nil {
		return err
	}

	s.net.mu.Lock()
	closed := s.closed
	s.net.mu.Unlock()
	if closed {
		return unix.EBADF
	}

	for _, nm := range nlmsgs {
		msg, err := genl.ParseMessage(nm)
		if err != nil {
			return err
		}
		replies, herr := s.net.handler.Handle(msg)
		s.respond(nm.Header, replies, herr)
	}
	return nil
}

func (s *Socket) respond(req syscall.NlMsghdr, replies []genl.Message, herr error) {
	dump := req.Flags&unix.NLM_F_DUMP == unix.NLM_F_DUMP
	var out []syscall.NetlinkMessage
	if herr == nil {
		for _, r := range replies {
			r.Header.Seq = req.Seq
			if dump {
				r.Header.Flags |= unix.NLM_F_MULTI
			}
			out = append(out, r.Netlink())
		}
	}
	switch {
	case herr != nil:
		out = append(out, errorMessage(req, herr))
	case dump:
		out = append(out, syscall.NetlinkMessage{
			Header: syscall.NlMsghdr{Len: unix.NLMSG_HDRLEN + 4, Type: unix.NLMSG_DONE, Flags: unix.NLM_F_MULTI, Seq: req.Seq},
			Data:   make([]byte, 4),
		})
	case req.Flags&unix.NLM_F_ACK != 0:
		out = append(out, errorMessage(req, nil))
	}

	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if dump {
		// One datagram per part exercises the dump's refill path.
		for _, m := range out {
			s.enqueue(datagram{msgs: []syscall.NetlinkMessage{m}})
		}
		return
	}
	s.enqueue(datagram{msgs: out})
}

// errorMessage builds an NLMSG_ERROR reply; a nil err is an ack.
func errorMessage(req syscall.NlMsghdr, err error) syscall.NetlinkMessage {
	var code int32
	if err != nil {
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			errno = unix.EIO
		}
		code = -int32(errno)
	}
	data := make([]byte, 4+unix.NLMSG_HDRLEN)
	nl.NativeEndian().PutUint32(data[0:4], uint32(code))
	return syscall.NetlinkMessage{
		Header: syscall.NlMsghdr{Len: uint32(unix.NLMSG_HDRLEN + len(data)), Type: unix.NLMSG_ERROR, Seq: req.Seq},
		Data:   data,
	}
}

// Receive pops one datagram. An empty queue yields EAGAIN even when
// block is true, since nothing could ever arrive.
func (s *Socket) Receive(block bool) ([]syscall.NetlinkMessage, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.closed {
		return nil, unix.EBADF
	}
	if len(s.queue) == 0 {
		return nil, unix.EAGAIN
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d.msgs, d.err
}

func (s *Socket) JoinGroup(group uint32) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.Joins = append(s.Joins, group)
	if err := s.JoinErr[group]; err != nil {
		return err
	}
	s.groups[group] = true
	return nil
}

func (s *Socket) LeaveGroup(group uint32) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.Leaves = append(s.Leaves, group)
	delete(s.groups, group)
	return nil
}

func (s *Socket) Drain() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.queue = nil
	s.Drains++
	return nil
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Close() {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.closed = true
	delete(s.net.sockets, s)
}
