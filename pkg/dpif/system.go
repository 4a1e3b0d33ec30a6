// Package dpif is the interface a forwarding engine uses to drive an
// Open vSwitch kernel datapath: datapaths, ports, flows, packet
// execution and upcalls.
package dpif

import (
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/notify"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/portalloc"
	"github.com/psaab/ovsdp/pkg/upcall"
)

// Backend is the transport a System is built on.
type Backend struct {
	Resolver genl.Resolver
	Dial     genl.Dialer
}

// NetlinkBackend talks to the running kernel.
func NetlinkBackend() Backend {
	return Backend{Resolver: genl.NetlinkResolver{}, Dial: genl.Dial}
}

// Options tune a System.
type Options struct {
	// UpcallAttempts bounds how many foreign or unwanted upcalls one
	// Recv skips. Zero selects upcall.DefaultMaxAttempts.
	UpcallAttempts int
}

// System is the state shared by every open datapath: the resolved
// family ids, the transaction socket and the vport change notifier.
type System struct {
	fams     odp.Families
	client   *odp.Client
	dial     genl.Dialer
	notifier *notify.Notifier
	opts     Options
}

// NewSystem resolves the datapath families and opens the transaction
// socket.
func NewSystem(b Backend, opts Options) (*System, error) {
	fams, err := odp.ResolveFamilies(b.Resolver)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			slog.Error("dpif: datapath generic netlink families missing, "+
				"the openvswitch kernel module is probably not loaded", "err", err)
		} else {
			slog.Error("dpif: resolving datapath families", "err", err)
		}
		return nil, err
	}
	conn, err := genl.NewConn(b.Dial)
	if err != nil {
		return nil, err
	}
	return &System{
		fams:     fams,
		client:   odp.NewClient(conn, fams),
		dial:     b.Dial,
		notifier: notify.New(b.Dial, fams),
		opts:     opts,
	}, nil
}

// Families returns the resolved family ids.
func (s *System) Families() odp.Families { return s.fams }

// Client returns the low-level request client.
func (s *System) Client() *odp.Client { return s.client }

// Close closes the transaction socket. Datapaths opened from s must be
// closed first.
func (s *System) Close() {
	s.client.Conn.Close()
}

type lazySystem struct {
	once    sync.Once
	backend func() Backend
	sys     *System
	err     error
}

func (l *lazySystem) get() (*System, error) {
	l.once.Do(func() {
		l.sys, l.err = NewSystem(l.backend(), Options{})
	})
	return l.sys, l.err
}

var defaultSystem = &lazySystem{backend: NetlinkBackend}

// DefaultSystem returns the process-wide System on the kernel backend.
// It is created on first use. A failure is remembered and returned by
// every later call.
func DefaultSystem() (*System, error) {
	return defaultSystem.get()
}

// Enumerate returns the names of all datapaths.
func (s *System) Enumerate() ([]string, error) {
	dump := s.client.DumpDatapaths()
	var names []string
	for {
		m, ok := dump.Next()
		if !ok {
			break
		}
		dp, err := s.fams.ParseDatapath(m)
		if err != nil {
			dump.Done()
			return nil, err
		}
		names = append(names, dp.Name)
	}
	if err := dump.Done(); err != nil {
		return nil, err
	}
	return names, nil
}

// Open opens the datapath called name, creating it first if create is
// set. Creating a datapath that exists fails with EEXIST.
func (s *System) Open(name string, create bool) (*Datapath, error) {
	cmd := odp.CmdGet
	if create {
		cmd = odp.CmdNew
	}
	reply, err := s.client.TransactDatapath(&odp.Datapath{Command: cmd, Name: name}, true)
	if err != nil {
		return nil, err
	}

	changes := notify.NewChangeQueue()
	sub, err := s.notifier.Register(changes.Observe(reply.Ifindex))
	if err != nil {
		return nil, err
	}
	ports := portalloc.New(odp.MaxPorts)
	for p := uint32(1); p < odp.MaxPorts; p++ {
		ports.Push(p)
	}
	return &Datapath{
		sys:     s,
		name:    reply.Name,
		ifindex: reply.Ifindex,
		changes: changes,
		sub:     sub,
		recv:    upcall.New(s.dial, s.fams, reply.Ifindex, reply.MCGroups, s.opts.UpcallAttempts),
		ports:   ports,
	}, nil
}
