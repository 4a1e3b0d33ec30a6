// Package upcall receives the packets a datapath sends to userspace.
package upcall

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

// DefaultMaxAttempts is how many foreign or unwanted messages Recv
// skips before giving up with EAGAIN.
const DefaultMaxAttempts = 50

// Receiver reads upcalls of one datapath from its multicast groups. The
// groups are shared, so it filters by datapath and listen mask. A
// Receiver is not safe for concurrent use.
type Receiver struct {
	dial      genl.Dialer
	fams      odp.Families
	dpIfindex int32
	groups    [odp.NumUpcallTypes]uint32

	maxAttempts int
	mask        uint32
	sock        genl.Socket
	pending     []syscall.NetlinkMessage
}

// New returns a receiver with an empty listen mask. groups are the
// per-type multicast groups the datapath reported; 0 means the type is
// not available. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(dial genl.Dialer, fams odp.Families, dpIfindex int32, groups [odp.NumUpcallTypes]uint32, maxAttempts int) *Receiver {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Receiver{
		dial:        dial,
		fams:        fams,
		dpIfindex:   dpIfindex,
		groups:      groups,
		maxAttempts: maxAttempts,
	}
}

// Mask returns the listen mask: bit 1<<t for each subscribed type t.
func (r *Receiver) Mask() uint32 {
	return r.mask
}

// SetMask changes the subscribed upcall types. A zero mask closes the
// socket. Otherwise the old groups are left and the new ones joined one
// by one; the last join failure is returned and earlier changes stay.
func (r *Receiver) SetMask(mask uint32) error {
	if mask == r.mask {
		return nil
	}
	if mask == 0 {
		r.Close()
		return nil
	}
	if r.sock == nil {
		sock, err := r.dial()
		if err != nil {
			return err
		}
		r.sock = sock
	}

	for t := odp.UpcallMiss; t < odp.NumUpcallTypes; t++ {
		if r.mask&(1<<t) != 0 && r.groups[t] != 0 {
			r.sock.LeaveGroup(r.groups[t])
		}
	}
	r.mask = mask

	var err error
	for t := odp.UpcallMiss; t < odp.NumUpcallTypes; t++ {
		if mask&(1<<t) == 0 {
			continue
		}
		if r.groups[t] == 0 {
			err = unix.EOPNOTSUPP
			continue
		}
		if jerr := r.sock.JoinGroup(r.groups[t]); jerr != nil {
			err = jerr
		}
	}
	return err
}

func (r *Receiver) next() (syscall.NetlinkMessage, error) {
	for len(r.pending) == 0 {
		msgs, err := r.sock.Receive(false)
		if err != nil {
			return syscall.NetlinkMessage{}, err
		}
		r.pending = msgs
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}

// Recv returns the next upcall for this datapath whose type is in the
// mask. It returns EAGAIN when nothing is subscribed, nothing is queued
// or too many unwanted messages were skipped; a decode failure is
// returned as is. The upcall's slices are valid until the next Recv or
// Purge.
func (r *Receiver) Recv() (odp.Upcall, error) {
	if r.sock == nil {
		return odp.Upcall{}, unix.EAGAIN
	}
	for i := 0; i < r.maxAttempts; i++ {
		raw, err := r.next()
		if err != nil {
			return odp.Upcall{}, err
		}
		m, err := genl.ParseMessage(raw)
		if err != nil {
			return odp.Upcall{}, err
		}
		u, ifindex, err := r.fams.ParseUpcall(m)
		if err != nil {
			return odp.Upcall{}, err
		}
		if ifindex == r.dpIfindex && r.mask&(1<<u.Type) != 0 {
			return u, nil
		}
	}
	return odp.Upcall{}, unix.EAGAIN
}

// Wait registers the upcall socket with p.
func (r *Receiver) Wait(p pollloop.Poller) {
	if r.sock != nil {
		p.FdWait(r.sock.Fd(), unix.POLLIN)
	}
}

// Purge discards every queued upcall.
func (r *Receiver) Purge() error {
	r.pending = nil
	if r.sock == nil {
		return nil
	}
	return r.sock.Drain()
}

// Close closes the socket and clears the mask.
func (r *Receiver) Close() {
	if r.sock != nil {
		r.sock.Close()
		r.sock = nil
	}
	r.pending = nil
	r.mask = 0
}
