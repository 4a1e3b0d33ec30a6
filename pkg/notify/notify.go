// Package notify fans vport change notifications from the kernel's
// multicast group out to every open datapath handle.
package notify

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

// maxBatch bounds the messages handled by one Run so a busy group cannot
// starve the caller.
const maxBatch = 50

// Func receives one decoded change. A nil vport means changes were lost
// and the subscriber must re-enumerate.
type Func func(v *odp.Vport)

// Notifier owns the socket joined to the vport multicast group. It is
// created once per process and shared by all datapath handles.
type Notifier struct {
	mu   sync.Mutex
	dial genl.Dialer
	fams odp.Families
	sock genl.Socket
	subs map[*Subscription]Func
}

// Subscription is a registered Func.
type Subscription struct {
	n *Notifier
}

var overflowRL = logging.NewRateLimiter(5, 20)

// New returns a notifier for the vport group in fams. The socket is
// opened by the first Register.
func New(dial genl.Dialer, fams odp.Families) *Notifier {
	return &Notifier{dial: dial, fams: fams, subs: make(map[*Subscription]Func)}
}

// Register adds fn to the set of subscribers. fn runs inside Run and
// must not call back into the Notifier.
func (n *Notifier) Register(fn Func) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sock == nil {
		sock, err := n.dial()
		if err != nil {
			return nil, err
		}
		if err := sock.JoinGroup(n.fams.VportGroup); err != nil {
			sock.Close()
			return nil, err
		}
		n.sock = sock
	}
	s := &Subscription{n: n}
	n.subs[s] = fn
	return s, nil
}

// Unregister removes the subscription. The socket is closed with the
// last subscriber.
func (s *Subscription) Unregister() {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s]; !ok {
		return
	}
	delete(n.subs, s)
	if len(n.subs) == 0 && n.sock != nil {
		n.sock.Close()
		n.sock = nil
	}
}

// Run delivers every change already queued on the socket without
// blocking.
func (n *Notifier) Run() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sock == nil {
		return
	}

	for i := 0; i < maxBatch; i++ {
		msgs, err := n.sock.Receive(false)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			if err == unix.ENOBUFS {
				overflowRL.Warn("notify: vport notifications overflowed")
			} else {
				overflowRL.Warn("notify: error reading vport notifications", "err", err)
			}
			n.broadcast(nil)
			return
		}
		for _, m := range msgs {
			n.deliver(m)
		}
	}
}

func (n *Notifier) deliver(raw syscall.NetlinkMessage) {
	m, err := genl.ParseMessage(raw)
	if err == nil {
		var v odp.Vport
		if v, err = n.fams.ParseVport(m); err == nil {
			n.broadcast(&v)
			return
		}
	}
	overflowRL.Warn("notify: undecodable vport notification", "err", err)
	n.broadcast(nil)
}

func (n *Notifier) broadcast(v *odp.Vport) {
	for _, fn := range n.subs {
		fn(v)
	}
}

// Wait registers the notification socket with p.
func (n *Notifier) Wait(p pollloop.Poller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sock != nil {
		p.FdWait(n.sock.Fd(), unix.POLLIN)
	}
}

// Subscribers returns the number of registered subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
