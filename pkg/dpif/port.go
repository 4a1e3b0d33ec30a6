package dpif

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/pollloop"
	"github.com/psaab/ovsdp/pkg/portalloc"
)

// Port is a port attached to a datapath.
type Port struct {
	Name   string
	Type   odp.VportType
	PortNo uint32
	Stats  odp.VportStats
}

// PortSpec describes a port to add.
type PortSpec struct {
	Name string
	// Type is a vport type name such as "system" or "internal". Empty
	// means "system".
	Type string
	// Options are the type-specific nested attributes, already encoded.
	Options []byte
	// Ifindex is the backing network device, 0 if unknown.
	Ifindex uint32
}

var unsupportedTypeRL = logging.NewRateLimiter(1, 5)

// PortAdd attaches a port and returns its number. Numbers come from the
// free-port allocator; a number the kernel reports as busy or out of
// range is dropped and the next one tried. Once the allocator is empty
// the kernel picks.
func (d *Datapath) PortAdd(spec PortSpec) (uint32, error) {
	typ, ok := odp.ParseVportType(spec.Type)
	if !ok || typ == odp.VportUnspec {
		unsupportedTypeRL.Warn("dpif: cannot add port with unsupported type",
			"dp", d.name, "port", spec.Name, "type", spec.Type)
		return 0, unix.EINVAL
	}
	req := odp.Vport{
		Command:       odp.CmdNew,
		Ifindex:       d.ifindex,
		Type:          typ,
		Name:          spec.Name,
		NetdevIfindex: spec.Ifindex,
	}
	if len(spec.Options) > 0 {
		req.Options = spec.Options
	}

	for {
		req.PortNo, _ = d.ports.Pop()
		reply, err := d.sys.client.TransactVport(&req, true)
		if err == nil {
			return reply.PortNo, nil
		}
		if req.PortNo == portalloc.NoPort || (err != unix.EBUSY && err != unix.EFBIG) {
			return 0, err
		}
	}
}

// PortDel detaches port portNo. Its number is returned to the allocator.
func (d *Datapath) PortDel(portNo uint32) error {
	_, err := d.sys.client.TransactVport(&odp.Vport{
		Command: odp.CmdDel,
		Ifindex: d.ifindex,
		PortNo:  portNo,
	}, false)
	if err == nil {
		d.ports.Push(portNo)
	}
	return err
}

func portFromVport(v odp.Vport) Port {
	p := Port{Name: v.Name, Type: v.Type, PortNo: v.PortNo}
	if v.Stats != nil {
		p.Stats = *v.Stats
	}
	return p
}

// PortQueryByNumber looks up port portNo.
func (d *Datapath) PortQueryByNumber(portNo uint32) (Port, error) {
	v, err := d.sys.client.TransactVport(&odp.Vport{
		Command: odp.CmdGet,
		Ifindex: d.ifindex,
		PortNo:  portNo,
	}, true)
	if err != nil {
		return Port{}, err
	}
	return portFromVport(v), nil
}

// PortQueryByName looks up a port by name. A port of that name on a
// different datapath is reported as ENODEV.
func (d *Datapath) PortQueryByName(name string) (Port, error) {
	v, err := d.sys.client.TransactVport(&odp.Vport{
		Command: odp.CmdGet,
		Ifindex: d.ifindex,
		PortNo:  odp.NoPort,
		Name:    name,
	}, true)
	if err != nil {
		return Port{}, err
	}
	if v.Ifindex != d.ifindex {
		return Port{}, unix.ENODEV
	}
	return portFromVport(v), nil
}

// MaxPorts returns one more than the highest port number.
func (d *Datapath) MaxPorts() uint32 {
	return odp.MaxPorts
}

// PortDump iterates over the ports of a datapath.
type PortDump struct {
	d        *Datapath
	dump     *genl.Dump
	seen     *portalloc.Seen
	complete bool
}

// PortDumpStart begins a port enumeration.
func (d *Datapath) PortDumpStart() *PortDump {
	return &PortDump{
		d:    d,
		dump: d.sys.client.DumpVports(d.ifindex),
		seen: portalloc.NewSeen(odp.MaxPorts),
	}
}

// Next returns the next port. It returns io.EOF after the last one.
func (pd *PortDump) Next() (Port, error) {
	m, ok := pd.dump.Next()
	if !ok {
		if err := pd.dump.Err(); err != nil {
			return Port{}, err
		}
		pd.complete = true
		return Port{}, io.EOF
	}
	v, err := pd.d.sys.fams.ParseVport(m)
	if err != nil {
		return Port{}, err
	}
	pd.seen.Add(v.PortNo)
	return portFromVport(v), nil
}

// Done ends the enumeration. If every port was read, numbers the dump
// did not list are returned to the allocator.
func (pd *PortDump) Done() error {
	err := pd.dump.Done()
	if pd.complete && err == nil {
		pd.d.ports.Reconcile(pd.seen)
	}
	return err
}

// Ports lists every port with a complete dump. Like Stats it may be
// called from a goroutine other than the one driving d.
func (d *Datapath) Ports() ([]Port, error) {
	pd := d.PortDumpStart()
	var ports []Port
	for {
		p, err := pd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			pd.Done()
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, pd.Done()
}

// PortPoll returns the name of a port that changed. It returns ENOBUFS
// when changes were lost and the caller must re-enumerate, and EAGAIN
// when nothing changed.
func (d *Datapath) PortPoll() (string, error) {
	return d.changes.Poll()
}

// PortPollWait arranges for p to wake when PortPoll has something to
// report.
func (d *Datapath) PortPollWait(p pollloop.Poller) {
	if d.changes.Pending() {
		p.ImmediateWake()
		return
	}
	d.sys.notifier.Wait(p)
}
