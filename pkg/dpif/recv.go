package dpif

import (
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

// Execute runs actions on packet as if it had arrived with flow key.
func (d *Datapath) Execute(key, actions, packet []byte) error {
	return d.sys.client.Execute(d.ifindex, key, actions, packet)
}

// RecvGetMask returns the upcall listen mask, bit 1<<t per type t.
func (d *Datapath) RecvGetMask() uint32 {
	return d.recv.Mask()
}

// RecvSetMask subscribes to the upcall types in mask.
func (d *Datapath) RecvSetMask(mask uint32) error {
	return d.recv.SetMask(mask)
}

// Recv returns the next upcall, or EAGAIN if none is ready. The
// upcall's slices are valid until the next Recv or RecvPurge; use
// Upcall.Clone to keep one.
func (d *Datapath) Recv() (odp.Upcall, error) {
	return d.recv.Recv()
}

// RecvWait arranges for p to wake when an upcall may be ready.
func (d *Datapath) RecvWait(p pollloop.Poller) {
	d.recv.Wait(p)
}

// RecvPurge discards queued upcalls.
func (d *Datapath) RecvPurge() error {
	return d.recv.Purge()
}
