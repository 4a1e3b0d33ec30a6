package dpif

import (
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/notify"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
	"github.com/psaab/ovsdp/pkg/portalloc"
	"github.com/psaab/ovsdp/pkg/upcall"
)

// Datapath is an open handle on one kernel datapath. It is driven by a
// single goroutine; separate handles may be used concurrently.
type Datapath struct {
	sys     *System
	name    string
	ifindex int32

	changes *notify.ChangeQueue
	sub     *notify.Subscription
	recv    *upcall.Receiver
	ports   *portalloc.Allocator
}

// Name returns the datapath's name.
func (d *Datapath) Name() string { return d.name }

// Index returns the datapath's interface index.
func (d *Datapath) Index() int32 { return d.ifindex }

// Close releases the handle. The datapath itself stays.
func (d *Datapath) Close() {
	d.sub.Unregister()
	d.recv.Close()
}

// Destroy deletes the datapath and every port and flow on it. The
// handle must still be closed.
func (d *Datapath) Destroy() error {
	_, err := d.sys.client.TransactDatapath(&odp.Datapath{Command: odp.CmdDel, Ifindex: d.ifindex}, false)
	return err
}

// Run handles queued port change notifications without blocking.
func (d *Datapath) Run() {
	d.sys.notifier.Run()
}

// Wait registers the notification socket with p.
func (d *Datapath) Wait(p pollloop.Poller) {
	d.sys.notifier.Wait(p)
}

func (d *Datapath) get() (odp.Datapath, error) {
	return d.sys.client.TransactDatapath(&odp.Datapath{Command: odp.CmdGet, Ifindex: d.ifindex}, true)
}

func (d *Datapath) set(req odp.Datapath) error {
	req.Command = odp.CmdSet
	req.Ifindex = d.ifindex
	_, err := d.sys.client.TransactDatapath(&req, false)
	return err
}

// Stats returns the datapath's packet counters.
func (d *Datapath) Stats() (odp.DatapathStats, error) {
	dp, err := d.get()
	if err != nil || dp.Stats == nil {
		return odp.DatapathStats{}, err
	}
	return *dp.Stats, nil
}

// DropFrags reports whether IPv4 fragments are dropped rather than
// matched with zeroed transport ports.
func (d *Datapath) DropFrags() (bool, error) {
	dp, err := d.get()
	if err != nil {
		return false, err
	}
	return dp.IPv4Frags == odp.FragDrop, nil
}

// SetDropFrags selects dropping or zeroing of IPv4 fragments.
func (d *Datapath) SetDropFrags(drop bool) error {
	frags := odp.FragZero
	if drop {
		frags = odp.FragDrop
	}
	return d.set(odp.Datapath{IPv4Frags: frags})
}

// SflowProbability returns the sampling probability out of
// math.MaxUint32. A datapath that never set one reports 0.
func (d *Datapath) SflowProbability() (uint32, error) {
	dp, err := d.get()
	if err != nil || dp.Sampling == nil {
		return 0, err
	}
	return *dp.Sampling, nil
}

// SetSflowProbability sets the sampling probability.
func (d *Datapath) SetSflowProbability(p uint32) error {
	return d.set(odp.Datapath{Sampling: &p})
}

const maxQueueID = 0xf000

// QueueToPriority maps an OpenFlow queue id to the skb priority of the
// matching traffic control class 1:(q+1).
func (d *Datapath) QueueToPriority(q uint32) (uint32, error) {
	if q >= maxQueueID {
		return 0, unix.EINVAL
	}
	return 1<<16 | (q + 1), nil
}
