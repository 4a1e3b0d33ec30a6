// Package odptest is an in-memory Open vSwitch kernel datapath for
// tests. It answers datapath, vport, flow and packet requests on a
// genltest network and multicasts vport changes and upcalls the way
// the kernel module does.
package odptest

import (
	"bytes"
	"sort"
	"sync"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/genl/genltest"
	"github.com/psaab/ovsdp/pkg/nlattr"
	"github.com/psaab/ovsdp/pkg/odp"
)

// DefaultFamilies are the ids the fake kernel registers.
var DefaultFamilies = odp.Families{
	Datapath:   0x21,
	Vport:      0x22,
	Flow:       0x23,
	Packet:     0x24,
	VportGroup: 0x30,
}

// Executed is one packet injected with an execute request.
type Executed struct {
	Ifindex int32
	Key     []byte
	Actions []byte
	Packet  []byte
}

type port struct {
	no      uint32
	typ     odp.VportType
	name    string
	options []byte
	stats   odp.VportStats
	address []byte
}

type flow struct {
	key      []byte
	actions  []byte
	stats    odp.FlowStats
	used     uint64
	tcpFlags uint8
}

type datapath struct {
	ifindex  int32
	name     string
	frags    odp.FragHandling
	sampling *uint32
	stats    odp.DatapathStats
	ports    map[uint32]*port
	flows    map[string]*flow
}

// Kernel is the fake datapath module.
type Kernel struct {
	mu          sync.Mutex
	dps         map[int32]*datapath
	nextIfindex int32

	Families odp.Families
	Net      *genltest.Network

	// DumpWithoutActions leaves actions out of flow dump replies, as
	// kernels do when the actions do not fit.
	DumpWithoutActions bool
	// Intercept, when set, sees every request first. A non-nil error
	// fails the request with that error.
	Intercept func(req genl.Message) error
	// Executed records packets injected with execute requests.
	Executed []Executed
}

// New returns a kernel with no datapaths, attached to a fresh network.
func New() *Kernel {
	k := &Kernel{
		dps:         make(map[int32]*datapath),
		nextIfindex: 10,
		Families:    DefaultFamilies,
	}
	k.Net = genltest.NewNetwork(k)
	return k
}

// Resolver returns a resolver that knows the kernel's families.
func (k *Kernel) Resolver() genl.StaticResolver {
	f := k.Families
	return genl.StaticResolver{
		odp.DatapathFamily: {ID: f.Datapath, Name: odp.DatapathFamily},
		odp.VportFamily: {ID: f.Vport, Name: odp.VportFamily,
			Groups: map[string]uint32{odp.VportMCGroup: f.VportGroup}},
		odp.FlowFamily:   {ID: f.Flow, Name: odp.FlowFamily},
		odp.PacketFamily: {ID: f.Packet, Name: odp.PacketFamily},
	}
}

// UpcallGroup is the multicast group carrying upcalls of type t for the
// datapath with index ifindex.
func UpcallGroup(ifindex int32, t odp.UpcallType) uint32 {
	return 0x1000 + uint32(ifindex)*4 + uint32(t)
}

// Handle implements genltest.Handler.
func (k *Kernel) Handle(req genl.Message) ([]genl.Message, error) {
	if k.Intercept != nil {
		if err := k.Intercept(req); err != nil {
			return nil, err
		}
	}

	var (
		replies []genl.Message
		notify  []genl.Message
		err     error
	)
	k.mu.Lock()
	switch req.Header.Type {
	case k.Families.Datapath:
		replies, notify, err = k.handleDatapath(req)
	case k.Families.Vport:
		replies, notify, err = k.handleVport(req)
	case k.Families.Flow:
		replies, err = k.handleFlow(req)
	case k.Families.Packet:
		err = k.handlePacket(req)
	default:
		err = unix.ENOENT
	}
	k.mu.Unlock()

	if len(notify) > 0 {
		k.Net.Multicast(k.Families.VportGroup, notify...)
	}
	return replies, err
}

func isDump(req genl.Message) bool {
	return req.Header.Flags&unix.NLM_F_DUMP == unix.NLM_F_DUMP
}

func header(req genl.Message) (int32, []byte, error) {
	if len(req.Data) < odp.HeaderLen {
		return 0, nil, unix.EINVAL
	}
	return int32(nl.NativeEndian().Uint32(req.Data)), req.Data[odp.HeaderLen:], nil
}

func message(family uint16, cmd uint8, ifindex int32, b *nlattr.Builder) genl.Message {
	hdr := make([]byte, odp.HeaderLen)
	nl.NativeEndian().PutUint32(hdr, uint32(ifindex))
	m := genl.Message{Command: cmd, Version: odp.Version, Data: append(hdr, b.Bytes()...)}
	m.Header.Type = family
	return m
}

// AddDatapath creates a datapath directly, as another process would.
func (k *Kernel) AddDatapath(name string) int32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newDatapath(name).ifindex
}

func (k *Kernel) newDatapath(name string) *datapath {
	dp := &datapath{
		ifindex: k.nextIfindex,
		name:    name,
		ports:   make(map[uint32]*port),
		flows:   make(map[string]*flow),
	}
	k.nextIfindex++
	dp.ports[odp.LocalPort] = &port{no: odp.LocalPort, typ: odp.VportInternal, name: name}
	k.dps[dp.ifindex] = dp
	return dp
}

func (k *Kernel) lookupDatapath(ifindex int32, name string) *datapath {
	if name != "" {
		for _, dp := range k.dps {
			if dp.name == name {
				return dp
			}
		}
		return nil
	}
	return k.dps[ifindex]
}

var dpReqPolicy = nlattr.Policy{
	odp.DatapathAttrName:      {Type: nlattr.String, MaxLen: odp.MaxNameLen, Optional: true},
	odp.DatapathAttrIPv4Frags: {Type: nlattr.U32, Optional: true},
	odp.DatapathAttrSampling:  {Type: nlattr.U32, Optional: true},
}

func (k *Kernel) datapathMessage(cmd uint8, dp *datapath) genl.Message {
	b := nlattr.NewBuilder()
	b.PutString(odp.DatapathAttrName, dp.name)
	stats := dp.stats
	stats.Flows = uint64(len(dp.flows))
	data := make([]byte, 40)
	ne := nl.NativeEndian()
	for i, v := range []uint64{stats.Frags, stats.Hit, stats.Missed, stats.Lost, stats.Flows} {
		ne.PutUint64(data[i*8:], v)
	}
	b.PutBytes(odp.DatapathAttrStats, data)
	frags := dp.frags
	if frags == odp.FragUnspec {
		frags = odp.FragZero
	}
	b.PutUint32(odp.DatapathAttrIPv4Frags, uint32(frags))
	if dp.sampling != nil {
		b.PutUint32(odp.DatapathAttrSampling, *dp.sampling)
	}
	b.PutNested(odp.DatapathAttrMCGroups, func(nb *nlattr.Builder) {
		for t := odp.UpcallMiss; t < odp.NumUpcallTypes; t++ {
			nb.PutUint32(uint16(t.PacketCmd()), UpcallGroup(dp.ifindex, t))
		}
	})
	return message(k.Families.Datapath, cmd, dp.ifindex, b)
}

func (k *Kernel) handleDatapath(req genl.Message) ([]genl.Message, []genl.Message, error) {
	ifindex, data, err := header(req)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := nlattr.Parse(data, dpReqPolicy)
	if err != nil {
		return nil, nil, unix.EINVAL
	}
	name := attrs.String(odp.DatapathAttrName)

	if req.Command == odp.CmdGet && isDump(req) {
		var out []genl.Message
		for _, idx := range k.sortedIfindexes() {
			out = append(out, k.datapathMessage(odp.CmdNew, k.dps[idx]))
		}
		return out, nil, nil
	}

	switch req.Command {
	case odp.CmdNew:
		if name == "" {
			return nil, nil, unix.EINVAL
		}
		if k.lookupDatapath(0, name) != nil {
			return nil, nil, unix.EEXIST
		}
		dp := k.newDatapath(name)
		k.applyDatapath(dp, attrs)
		local := k.vportMessage(odp.CmdNew, dp, dp.ports[odp.LocalPort])
		return []genl.Message{k.datapathMessage(odp.CmdNew, dp)}, []genl.Message{local}, nil
	case odp.CmdDel:
		dp := k.lookupDatapath(ifindex, name)
		if dp == nil {
			return nil, nil, unix.ENODEV
		}
		var notify []genl.Message
		for _, no := range sortedPorts(dp) {
			notify = append(notify, k.vportMessage(odp.CmdDel, dp, dp.ports[no]))
		}
		delete(k.dps, dp.ifindex)
		return []genl.Message{k.datapathMessage(odp.CmdDel, dp)}, notify, nil
	case odp.CmdGet, odp.CmdSet:
		dp := k.lookupDatapath(ifindex, name)
		if dp == nil {
			return nil, nil, unix.ENODEV
		}
		if req.Command == odp.CmdSet {
			k.applyDatapath(dp, attrs)
		}
		return []genl.Message{k.datapathMessage(odp.CmdNew, dp)}, nil, nil
	}
	return nil, nil, unix.EOPNOTSUPP
}

func (k *Kernel) applyDatapath(dp *datapath, attrs nlattr.Attrs) {
	if attrs.Has(odp.DatapathAttrIPv4Frags) {
		dp.frags = odp.FragHandling(attrs.Uint32(odp.DatapathAttrIPv4Frags))
	}
	if attrs.Has(odp.DatapathAttrSampling) {
		v := attrs.Uint32(odp.DatapathAttrSampling)
		dp.sampling = &v
	}
}

func (k *Kernel) sortedIfindexes() []int32 {
	out := make([]int32, 0, len(k.dps))
	for idx := range k.dps {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedPorts(dp *datapath) []uint32 {
	out := make([]uint32, 0, len(dp.ports))
	for no := range dp.ports {
		out = append(out, no)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var vportReqPolicy = nlattr.Policy{
	odp.VportAttrPortNo:  {Type: nlattr.U32, Optional: true},
	odp.VportAttrType:    {Type: nlattr.U32, Optional: true},
	odp.VportAttrName:    {Type: nlattr.String, MaxLen: odp.MaxNameLen, Optional: true},
	odp.VportAttrAddress: {Type: nlattr.Unspec, MinLen: 6, MaxLen: 6, Optional: true},
	odp.VportAttrOptions: {Type: nlattr.Nested, Optional: true},
}

func (k *Kernel) vportMessage(cmd uint8, dp *datapath, p *port) genl.Message {
	stats := p.stats
	v := &odp.Vport{
		Command: cmd,
		Ifindex: dp.ifindex,
		PortNo:  p.no,
		Type:    p.typ,
		Name:    p.name,
		Stats:   &stats,
		Address: p.address,
		Options: p.options,
	}
	if v.Address == nil {
		v.Address = []byte{0x02, 0, 0, 0, byte(dp.ifindex), byte(p.no)}
	}
	r := k.Families.VportRequest(v)
	m := genl.Message{Command: cmd, Version: odp.Version, Data: r.Payload()}
	m.Header.Type = k.Families.Vport
	return m
}

func (k *Kernel) findPort(name string) (*datapath, *port) {
	for _, idx := range k.sortedIfindexes() {
		dp := k.dps[idx]
		for _, p := range dp.ports {
			if p.name == name {
				return dp, p
			}
		}
	}
	return nil, nil
}

func (k *Kernel) handleVport(req genl.Message) ([]genl.Message, []genl.Message, error) {
	ifindex, data, err := header(req)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := nlattr.Parse(data, vportReqPolicy)
	if err != nil {
		return nil, nil, unix.EINVAL
	}
	name := attrs.String(odp.VportAttrName)

	if req.Command == odp.CmdGet && isDump(req) {
		dp := k.dps[ifindex]
		if dp == nil {
			return nil, nil, unix.ENODEV
		}
		var out []genl.Message
		for _, no := range sortedPorts(dp) {
			out = append(out, k.vportMessage(odp.CmdNew, dp, dp.ports[no]))
		}
		return out, nil, nil
	}

	if req.Command == odp.CmdNew {
		dp := k.dps[ifindex]
		if dp == nil {
			return nil, nil, unix.ENODEV
		}
		if name == "" || !attrs.Has(odp.VportAttrType) {
			return nil, nil, unix.EINVAL
		}
		if _, p := k.findPort(name); p != nil {
			return nil, nil, unix.EEXIST
		}
		no := uint32(odp.NoPort)
		if attrs.Has(odp.VportAttrPortNo) {
			no = attrs.Uint32(odp.VportAttrPortNo)
			if no >= odp.MaxPorts {
				return nil, nil, unix.EFBIG
			}
			if _, ok := dp.ports[no]; ok {
				return nil, nil, unix.EBUSY
			}
		} else {
			for cand := uint32(1); cand < odp.MaxPorts; cand++ {
				if _, ok := dp.ports[cand]; !ok {
					no = cand
					break
				}
			}
			if no == odp.NoPort {
				return nil, nil, unix.EFBIG
			}
		}
		p := &port{no: no, typ: odp.VportType(attrs.Uint32(odp.VportAttrType)), name: name}
		if b, ok := attrs[odp.VportAttrOptions]; ok {
			p.options = append([]byte{}, b...)
		}
		if b, ok := attrs[odp.VportAttrAddress]; ok {
			p.address = append([]byte(nil), b...)
		}
		dp.ports[no] = p
		m := k.vportMessage(odp.CmdNew, dp, p)
		return []genl.Message{m}, []genl.Message{m}, nil
	}

	var dp *datapath
	var p *port
	if name != "" {
		dp, p = k.findPort(name)
	} else if dp = k.dps[ifindex]; dp != nil && attrs.Has(odp.VportAttrPortNo) {
		p = dp.ports[attrs.Uint32(odp.VportAttrPortNo)]
	}
	if p == nil {
		return nil, nil, unix.ENODEV
	}

	switch req.Command {
	case odp.CmdGet:
		return []genl.Message{k.vportMessage(odp.CmdNew, dp, p)}, nil, nil
	case odp.CmdDel:
		if p.no == odp.LocalPort {
			return nil, nil, unix.EINVAL
		}
		delete(dp.ports, p.no)
		m := k.vportMessage(odp.CmdDel, dp, p)
		return []genl.Message{m}, []genl.Message{m}, nil
	case odp.CmdSet:
		if b, ok := attrs[odp.VportAttrOptions]; ok {
			p.options = append([]byte{}, b...)
		}
		m := k.vportMessage(odp.CmdSet, dp, p)
		return []genl.Message{m}, []genl.Message{m}, nil
	}
	return nil, nil, unix.EOPNOTSUPP
}

var flowReqPolicy = nlattr.Policy{
	odp.FlowAttrKey:     {Type: nlattr.Nested, Optional: true},
	odp.FlowAttrActions: {Type: nlattr.Nested, Optional: true},
	odp.FlowAttrClear:   {Type: nlattr.Flag, Optional: true},
}

func (k *Kernel) flowMessage(cmd uint8, dp *datapath, fl *flow, withActions bool) genl.Message {
	b := nlattr.NewBuilder()
	b.PutBytes(odp.FlowAttrKey, fl.key)
	if withActions {
		b.PutBytes(odp.FlowAttrActions, fl.actions)
	}
	if fl.stats.Packets > 0 {
		data := make([]byte, 16)
		nl.NativeEndian().PutUint64(data[0:], fl.stats.Packets)
		nl.NativeEndian().PutUint64(data[8:], fl.stats.Bytes)
		b.PutBytes(odp.FlowAttrStats, data)
	}
	if fl.tcpFlags != 0 {
		b.PutUint8(odp.FlowAttrTCPFlags, fl.tcpFlags)
	}
	if fl.used != 0 {
		b.PutUint64(odp.FlowAttrUsed, fl.used)
	}
	return message(k.Families.Flow, cmd, dp.ifindex, b)
}

func (k *Kernel) handleFlow(req genl.Message) ([]genl.Message, error) {
	ifindex, data, err := header(req)
	if err != nil {
		return nil, err
	}
	attrs, err := nlattr.Parse(data, flowReqPolicy)
	if err != nil {
		return nil, unix.EINVAL
	}
	dp := k.dps[ifindex]
	if dp == nil {
		return nil, unix.ENODEV
	}
	key, hasKey := attrs[odp.FlowAttrKey]
	id := string(key)

	if req.Command == odp.CmdGet && isDump(req) {
		ids := make([]string, 0, len(dp.flows))
		for fid := range dp.flows {
			ids = append(ids, fid)
		}
		sort.Strings(ids)
		var out []genl.Message
		for _, fid := range ids {
			out = append(out, k.flowMessage(odp.CmdNew, dp, dp.flows[fid], !k.DumpWithoutActions))
		}
		return out, nil
	}

	if req.Command == odp.CmdDel && !hasKey {
		dp.flows = make(map[string]*flow)
		return nil, nil
	}
	if !hasKey {
		return nil, unix.EINVAL
	}
	fl := dp.flows[id]

	switch req.Command {
	case odp.CmdNew, odp.CmdSet:
		if fl == nil {
			if req.Header.Flags&unix.NLM_F_CREATE == 0 {
				return nil, unix.ENOENT
			}
			if !attrs.Has(odp.FlowAttrActions) {
				return nil, unix.EINVAL
			}
			fl = &flow{key: append([]byte{}, key...)}
			dp.flows[id] = fl
		} else if req.Header.Flags&unix.NLM_F_EXCL != 0 {
			return nil, unix.EEXIST
		}
		if b, ok := attrs[odp.FlowAttrActions]; ok {
			fl.actions = append([]byte{}, b...)
		}
		// The reply carries the statistics from before any reset.
		reply := k.flowMessage(odp.CmdNew, dp, fl, true)
		if attrs.Has(odp.FlowAttrClear) {
			fl.stats = odp.FlowStats{}
			fl.used = 0
			fl.tcpFlags = 0
		}
		return []genl.Message{reply}, nil
	case odp.CmdGet:
		if fl == nil {
			return nil, unix.ENOENT
		}
		return []genl.Message{k.flowMessage(odp.CmdNew, dp, fl, true)}, nil
	case odp.CmdDel:
		if fl == nil {
			return nil, unix.ENOENT
		}
		delete(dp.flows, id)
		return []genl.Message{k.flowMessage(odp.CmdDel, dp, fl, true)}, nil
	}
	return nil, unix.EOPNOTSUPP
}

var executePolicy = nlattr.Policy{
	odp.PacketAttrPacket:  {Type: nlattr.Unspec, MinLen: odp.EthHeaderLen},
	odp.PacketAttrKey:     {Type: nlattr.Nested},
	odp.PacketAttrActions: {Type: nlattr.Nested},
}

func (k *Kernel) handlePacket(req genl.Message) error {
	if req.Command != odp.PacketCmdExecute {
		return unix.EOPNOTSUPP
	}
	ifindex, data, err := header(req)
	if err != nil {
		return err
	}
	if k.dps[ifindex] == nil {
		return unix.ENODEV
	}
	attrs, err := nlattr.Parse(data, executePolicy)
	if err != nil {
		return unix.EINVAL
	}
	k.Executed = append(k.Executed, Executed{
		Ifindex: ifindex,
		Key:     append([]byte{}, attrs[odp.PacketAttrKey]...),
		Actions: append([]byte{}, attrs[odp.PacketAttrActions]...),
		Packet:  append([]byte{}, attrs[odp.PacketAttrPacket]...),
	})
	return nil
}

// HitFlow accounts a packet of n bytes against the flow with key.
func (k *Kernel) HitFlow(ifindex int32, key []byte, n int, tcpFlags uint8, usedMsec uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	dp := k.dps[ifindex]
	if dp == nil {
		return false
	}
	for _, fl := range dp.flows {
		if bytes.Equal(fl.key, key) {
			fl.stats.Packets++
			fl.stats.Bytes += uint64(n)
			fl.tcpFlags |= tcpFlags
			fl.used = usedMsec
			dp.stats.Hit++
			return true
		}
	}
	return false
}

// Upcall multicasts u from the datapath with index ifindex on the
// group for its type.
func (k *Kernel) Upcall(ifindex int32, u *odp.Upcall) {
	k.mu.Lock()
	if dp := k.dps[ifindex]; dp != nil && u.Type == odp.UpcallMiss {
		dp.stats.Missed++
	}
	k.mu.Unlock()
	k.Net.Multicast(UpcallGroup(ifindex, u.Type), k.Families.UpcallMessage(ifindex, u))
}

// Ports returns the port numbers of a datapath in ascending order.
func (k *Kernel) Ports(ifindex int32) []uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	dp := k.dps[ifindex]
	if dp == nil {
		return nil
	}
	return sortedPorts(dp)
}

// AddPort attaches a port directly, as another process would. It
// announces the port on the vport group.
func (k *Kernel) AddPort(ifindex int32, no uint32, name string, typ odp.VportType) {
	k.mu.Lock()
	dp := k.dps[ifindex]
	p := &port{no: no, typ: typ, name: name}
	dp.ports[no] = p
	m := k.vportMessage(odp.CmdNew, dp, p)
	k.mu.Unlock()
	k.Net.Multicast(k.Families.VportGroup, m)
}
