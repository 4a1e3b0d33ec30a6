package dpif

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/nlattr"
	"github.com/psaab/ovsdp/pkg/odp"
	"github.com/psaab/ovsdp/pkg/odp/odptest"
	"github.com/psaab/ovsdp/pkg/pollloop"
)

func newSystem(t *testing.T) (*System, *odptest.Kernel) {
	t.Helper()
	k := odptest.New()
	s, err := NewSystem(Backend{Resolver: k.Resolver(), Dial: k.Net.Dial}, Options{})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, k
}

func openBridge(t *testing.T) (*Datapath, *odptest.Kernel) {
	t.Helper()
	s, k := newSystem(t)
	d, err := s.Open("br0", true)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, k
}

func flowKey(v uint32) []byte {
	b := nlattr.NewBuilder()
	b.PutUint32(1, v)
	return b.Bytes()
}

func output(port uint32) []byte {
	b := nlattr.NewBuilder()
	b.PutUint32(odp.ActionAttrOutput, port)
	return b.Bytes()
}

func portNames(t *testing.T, d *Datapath) []string {
	t.Helper()
	pd := d.PortDumpStart()
	var names []string
	for {
		p, err := pd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, p.Name)
	}
	require.NoError(t, pd.Done())
	return names
}

type countingResolver struct {
	calls int
}

func (r *countingResolver) Family(name string) (genl.Family, error) {
	r.calls++
	return genl.Family{}, unix.ENOENT
}

func TestDefaultSystemCachesFailure(t *testing.T) {
	r := &countingResolver{}
	k := odptest.New()
	l := &lazySystem{backend: func() Backend { return Backend{Resolver: r, Dial: k.Net.Dial} }}

	_, err1 := l.get()
	require.ErrorIs(t, err1, unix.ENOENT)
	_, err2 := l.get()
	require.Equal(t, err1, err2)
	require.Equal(t, 1, r.calls)
	require.Zero(t, k.Net.Dials)
}

func TestEnumerate(t *testing.T) {
	s, k := newSystem(t)
	names, err := s.Enumerate()
	require.NoError(t, err)
	require.Empty(t, names)

	k.AddDatapath("a")
	k.AddDatapath("b")
	names, err = s.Enumerate()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)
}

func TestOpen(t *testing.T) {
	s, k := newSystem(t)

	_, err := s.Open("br0", false)
	require.Equal(t, unix.ENODEV, err)

	d, err := s.Open("br0", true)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, "br0", d.Name())
	require.Equal(t, []uint32{odp.LocalPort}, k.Ports(d.Index()))

	_, err = s.Open("br0", true)
	require.Equal(t, unix.EEXIST, err)

	d2, err := s.Open("br0", false)
	require.NoError(t, err)
	require.Equal(t, d.Index(), d2.Index())
	d2.Close()

	require.NoError(t, d.Destroy())
	_, err = s.Open("br0", false)
	require.Equal(t, unix.ENODEV, err)
}

func TestPortLifecycle(t *testing.T) {
	d, k := openBridge(t)

	no, err := d.PortAdd(PortSpec{Name: "eth0"})
	require.NoError(t, err)
	require.NotEqual(t, uint32(odp.LocalPort), no)
	require.Less(t, no, d.MaxPorts())
	require.False(t, d.ports.Queued(no))

	p, err := d.PortQueryByName("eth0")
	require.NoError(t, err)
	require.Equal(t, Port{Name: "eth0", Type: odp.VportNetdev, PortNo: no}, p)
	p, err = d.PortQueryByNumber(no)
	require.NoError(t, err)
	require.Equal(t, "eth0", p.Name)

	require.Equal(t, []string{"br0", "eth0"}, portNames(t, d))

	require.NoError(t, d.PortDel(no))
	require.Equal(t, []string{"br0"}, portNames(t, d))
	require.True(t, d.ports.Queued(no))
	require.Equal(t, []uint32{odp.LocalPort}, k.Ports(d.Index()))

	_, err = d.PortQueryByName("eth0")
	require.Equal(t, unix.ENODEV, err)
	require.Equal(t, unix.ENODEV, d.PortDel(no))
}

func TestPortQueryByNameOtherDatapath(t *testing.T) {
	d, k := openBridge(t)
	other := k.AddDatapath("br1")
	k.AddPort(other, 3, "eth9", odp.VportNetdev)

	_, err := d.PortQueryByName("eth9")
	require.Equal(t, unix.ENODEV, err)
}

func TestPortAddUnsupportedType(t *testing.T) {
	d, _ := openBridge(t)
	_, err := d.PortAdd(PortSpec{Name: "x", Type: "vxlan"})
	require.Equal(t, unix.EINVAL, err)
	require.Equal(t, int(odp.MaxPorts-1), d.ports.Len())
}

func TestPortAddSkipsBusyNumbers(t *testing.T) {
	d, k := openBridge(t)
	// Attached behind our back.
	k.AddPort(d.Index(), 1, "ext0", odp.VportNetdev)
	k.AddPort(d.Index(), 2, "ext1", odp.VportNetdev)

	no, err := d.PortAdd(PortSpec{Name: "eth0", Type: "internal"})
	require.NoError(t, err)
	require.Equal(t, uint32(3), no)
	require.False(t, d.ports.Queued(1))
	require.False(t, d.ports.Queued(2))

	p, err := d.PortQueryByNumber(3)
	require.NoError(t, err)
	require.Equal(t, odp.VportInternal, p.Type)
}

func TestPortAddRetriesTooBig(t *testing.T) {
	d, k := openBridge(t)
	fails := 1
	k.Intercept = func(req genl.Message) error {
		if req.Header.Type == k.Families.Vport && req.Command == odp.CmdNew && fails > 0 {
			fails--
			return unix.EFBIG
		}
		return nil
	}
	no, err := d.PortAdd(PortSpec{Name: "eth0"})
	require.NoError(t, err)
	require.Equal(t, uint32(2), no)
}

func TestPortAddStopsOnOtherErrors(t *testing.T) {
	d, k := openBridge(t)
	vportNews := 0
	k.Intercept = func(req genl.Message) error {
		if req.Header.Type == k.Families.Vport && req.Command == odp.CmdNew {
			vportNews++
			return unix.ENOMEM
		}
		return nil
	}
	_, err := d.PortAdd(PortSpec{Name: "eth0"})
	require.Equal(t, unix.ENOMEM, err)
	require.Equal(t, 1, vportNews)
}

func TestPortAddExhaustedLetsKernelPick(t *testing.T) {
	d, k := openBridge(t)
	for {
		if _, ok := d.ports.Pop(); !ok {
			break
		}
	}
	k.AddPort(d.Index(), 1, "ext0", odp.VportNetdev)

	no, err := d.PortAdd(PortSpec{Name: "eth0"})
	require.NoError(t, err)
	require.Equal(t, uint32(2), no)
}

func TestPortDumpReconciles(t *testing.T) {
	d, k := openBridge(t)
	for {
		if _, ok := d.ports.Pop(); !ok {
			break
		}
	}
	k.AddPort(d.Index(), 5, "ext0", odp.VportNetdev)

	// Abandoned after one entry: nothing changes.
	pd := d.PortDumpStart()
	_, err := pd.Next()
	require.NoError(t, err)
	require.NoError(t, pd.Done())
	require.Zero(t, d.ports.Len())

	require.Equal(t, []string{"br0", "ext0"}, portNames(t, d))
	require.Equal(t, int(odp.MaxPorts-2), d.ports.Len())
	require.False(t, d.ports.Queued(5))
	require.True(t, d.ports.Queued(6))
}

func TestPortDumpError(t *testing.T) {
	d, k := openBridge(t)
	for {
		if _, ok := d.ports.Pop(); !ok {
			break
		}
	}
	k.Intercept = func(req genl.Message) error {
		if req.Header.Type == k.Families.Vport {
			return unix.EPERM
		}
		return nil
	}
	pd := d.PortDumpStart()
	_, err := pd.Next()
	require.Equal(t, unix.EPERM, err)
	require.Equal(t, unix.EPERM, pd.Done())
	require.Zero(t, d.ports.Len())
}

func TestPortPoll(t *testing.T) {
	d, k := openBridge(t)

	_, err := d.PortPoll()
	require.Equal(t, unix.EAGAIN, err)

	var l pollloop.Loop
	d.PortPollWait(&l)
	require.Len(t, l.Waiting(), 1)
	require.False(t, l.Immediate())

	k.AddPort(d.Index(), 7, "ext0", odp.VportNetdev)
	other := k.AddDatapath("br1")
	k.AddPort(other, 7, "ext1", odp.VportNetdev)
	d.Run()

	d.PortPollWait(&l)
	require.True(t, l.Immediate())
	name, err := d.PortPoll()
	require.NoError(t, err)
	require.Equal(t, "ext0", name)
	_, err = d.PortPoll()
	require.Equal(t, unix.EAGAIN, err)
}

func TestDatapathSettings(t *testing.T) {
	d, _ := openBridge(t)

	drop, err := d.DropFrags()
	require.NoError(t, err)
	require.False(t, drop)
	require.NoError(t, d.SetDropFrags(true))
	drop, err = d.DropFrags()
	require.NoError(t, err)
	require.True(t, drop)

	p, err := d.SflowProbability()
	require.NoError(t, err)
	require.Zero(t, p)
	require.NoError(t, d.SetSflowProbability(1<<20))
	p, err = d.SflowProbability()
	require.NoError(t, err)
	require.Equal(t, uint32(1<<20), p)
}

func TestQueueToPriority(t *testing.T) {
	d, _ := openBridge(t)
	seen := make(map[uint32]bool)
	for q := uint32(0); q < 0xf000; q++ {
		prio, err := d.QueueToPriority(q)
		require.NoError(t, err)
		require.Equal(t, uint32(1), prio>>16)
		require.False(t, seen[prio], "queue %d collides", q)
		seen[prio] = true
	}
	prio, _ := d.QueueToPriority(0)
	require.Equal(t, uint32(0x10001), prio)

	for _, q := range []uint32{0xf000, 0xffff, 1 << 31} {
		_, err := d.QueueToPriority(q)
		require.Equal(t, unix.EINVAL, err)
	}
}

func TestFlowPutGetDel(t *testing.T) {
	d, k := openBridge(t)
	key := flowKey(1)

	_, err := d.FlowPut(FlowPutModify, key, output(1), false)
	require.Equal(t, unix.ENOENT, err)

	_, err = d.FlowPut(FlowPutCreate, key, nil, false)
	require.NoError(t, err)
	acts, _, err := d.FlowGet(key)
	require.NoError(t, err)
	require.NotNil(t, acts)
	require.Empty(t, acts)

	_, err = d.FlowPut(FlowPutCreate|FlowPutModify, key, output(2), false)
	require.NoError(t, err)
	acts, _, err = d.FlowGet(key)
	require.NoError(t, err)
	require.Equal(t, output(2), acts)

	require.True(t, k.HitFlow(d.Index(), key, 100, 0x02, 1234))
	require.True(t, k.HitFlow(d.Index(), key, 50, 0x10, 2000))
	_, stats, err := d.FlowGet(key)
	require.NoError(t, err)
	require.Equal(t, FlowStats{Packets: 2, Bytes: 150, Used: 2000, TCPFlags: 0x12}, stats)

	stats, err = d.FlowPut(FlowPutModify|FlowPutZeroStats, key, output(2), true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Packets)
	_, stats, err = d.FlowGet(key)
	require.NoError(t, err)
	require.Zero(t, stats)

	require.True(t, k.HitFlow(d.Index(), key, 60, 0, 3000))
	stats, err = d.FlowDel(key, true)
	require.NoError(t, err)
	require.Equal(t, FlowStats{Packets: 1, Bytes: 60, Used: 3000}, stats)
	_, _, err = d.FlowGet(key)
	require.Equal(t, unix.ENOENT, err)
	_, err = d.FlowDel(key, false)
	require.Equal(t, unix.ENOENT, err)
}

func TestFlowFlush(t *testing.T) {
	d, _ := openBridge(t)
	for i := uint32(0); i < 3; i++ {
		_, err := d.FlowPut(FlowPutCreate, flowKey(i), output(i), false)
		require.NoError(t, err)
	}
	dp, err := d.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(3), dp.Flows)

	require.NoError(t, d.FlowFlush())
	dp, err = d.Stats()
	require.NoError(t, err)
	require.Zero(t, dp.Flows)
}

func dumpFlows(t *testing.T, d *Datapath, wantActions bool) []FlowEntry {
	t.Helper()
	fd := d.FlowDumpStart(wantActions)
	var out []FlowEntry
	for {
		e, err := fd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		e.Key = append([]byte(nil), e.Key...)
		e.Actions = append([]byte(nil), e.Actions...)
		out = append(out, e)
	}
	require.NoError(t, fd.Done())
	return out
}

func TestFlowDump(t *testing.T) {
	d, _ := openBridge(t)
	for i := uint32(1); i <= 2; i++ {
		_, err := d.FlowPut(FlowPutCreate, flowKey(i), output(i), false)
		require.NoError(t, err)
	}

	entries := dumpFlows(t, d, true)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NotEmpty(t, e.Actions)
	}

	fd := d.FlowDumpStart(false)
	e, err := fd.Next()
	require.NoError(t, err)
	require.Nil(t, e.Actions)
	require.NoError(t, fd.Done())
}

func TestFlowDumpFetchesMissingActions(t *testing.T) {
	d, k := openBridge(t)
	for i := uint32(1); i <= 3; i++ {
		_, err := d.FlowPut(FlowPutCreate, flowKey(i), output(i), false)
		require.NoError(t, err)
	}
	k.DumpWithoutActions = true

	gets := 0
	k.Intercept = func(req genl.Message) error {
		if req.Header.Type != k.Families.Flow || req.Command != odp.CmdGet ||
			req.Header.Flags&unix.NLM_F_DUMP == unix.NLM_F_DUMP {
			return nil
		}
		gets++
		switch gets {
		case 1:
			return unix.ENOENT // deleted between dump and get
		case 2:
			return unix.EIO
		}
		return nil
	}

	entries := dumpFlows(t, d, true)
	require.Equal(t, 3, gets)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].Actions)

	// Without actions wanted no per-entry fetch happens.
	gets = 0
	require.Len(t, dumpFlows(t, d, false), 3)
	require.Zero(t, gets)
}

func TestExecute(t *testing.T) {
	d, k := openBridge(t)
	pkt := make([]byte, 64)
	require.NoError(t, d.Execute(flowKey(1), output(0), pkt))
	require.Len(t, k.Executed, 1)
	require.Equal(t, d.Index(), k.Executed[0].Ifindex)
	require.Equal(t, output(0), k.Executed[0].Actions)
	require.Equal(t, pkt, k.Executed[0].Packet)
}

func TestRecv(t *testing.T) {
	d, k := openBridge(t)

	_, err := d.Recv()
	require.Equal(t, unix.EAGAIN, err)
	require.Zero(t, d.RecvGetMask())

	require.NoError(t, d.RecvSetMask(1<<odp.UpcallMiss))
	require.Equal(t, uint32(1<<odp.UpcallMiss), d.RecvGetMask())

	var l pollloop.Loop
	d.RecvWait(&l)
	require.Len(t, l.Waiting(), 1)

	pkt := make([]byte, 60)
	pkt[0] = 0xaa
	k.Upcall(d.Index(), &odp.Upcall{Type: odp.UpcallMiss, Packet: pkt, Key: flowKey(9)})
	u, err := d.Recv()
	require.NoError(t, err)
	require.Equal(t, odp.UpcallMiss, u.Type)
	require.Equal(t, byte(0xaa), u.Packet[0])

	k.Upcall(d.Index(), &odp.Upcall{Type: odp.UpcallMiss, Packet: pkt, Key: flowKey(9)})
	require.NoError(t, d.RecvPurge())
	_, err = d.Recv()
	require.Equal(t, unix.EAGAIN, err)

	stats, err := d.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Missed)
}
