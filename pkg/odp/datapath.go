package odp

import (
	"github.com/vishvananda/netlink/nl"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/nlattr"
)

// Datapath attributes.
const (
	DatapathAttrName      uint16 = 1
	DatapathAttrStats     uint16 = 2
	DatapathAttrIPv4Frags uint16 = 3
	DatapathAttrSampling  uint16 = 4
	DatapathAttrMCGroups  uint16 = 5
)

// FragHandling selects what the datapath does with IPv4 fragments that
// match no flow.
type FragHandling uint32

const (
	FragUnspec FragHandling = iota // not set
	FragZero                       // treat as L4 port 0
	FragDrop                       // drop
)

// UpcallType identifies the kind of upcall. The listen mask has bit
// 1<<type set for each subscribed type.
type UpcallType int

const (
	UpcallMiss UpcallType = iota
	UpcallAction
	UpcallSample
	NumUpcallTypes
)

func (t UpcallType) String() string {
	switch t {
	case UpcallMiss:
		return "miss"
	case UpcallAction:
		return "action"
	case UpcallSample:
		return "sample"
	}
	return "unknown"
}

// PacketCmd is the packet family command carrying upcalls of type t.
func (t UpcallType) PacketCmd() uint8 { return uint8(t) + PacketCmdMiss }

// DatapathStats is struct ovs_dp_stats.
type DatapathStats struct {
	Frags  uint64 // fragments dropped or zeroed
	Hit    uint64
	Missed uint64
	Lost   uint64
	Flows  uint64
}

const datapathStatsLen = 5 * 8

// Datapath describes one datapath in a request or reply.
type Datapath struct {
	Command uint8
	Ifindex int32 // owning datapath, 0 in requests that name it

	Name      string // "" when absent
	IPv4Frags FragHandling
	Sampling  *uint32

	// Reply only; never encoded.
	Stats    *DatapathStats
	MCGroups [NumUpcallTypes]uint32 // 0 when the type has no group
}

var datapathPolicy = nlattr.Policy{
	DatapathAttrName:      {Type: nlattr.String, MaxLen: 16, Optional: true},
	DatapathAttrStats:     {Type: nlattr.Unspec, MinLen: datapathStatsLen, MaxLen: datapathStatsLen, Optional: true},
	DatapathAttrIPv4Frags: {Type: nlattr.U32, Optional: true},
	DatapathAttrSampling:  {Type: nlattr.U32, Optional: true},
	DatapathAttrMCGroups:  {Type: nlattr.Nested, Optional: true},
}

var mcgroupsPolicy = nlattr.Policy{
	uint16(PacketCmdMiss):   {Type: nlattr.U32, Optional: true},
	uint16(PacketCmdAction): {Type: nlattr.U32, Optional: true},
	uint16(PacketCmdSample): {Type: nlattr.U32, Optional: true},
}

// DatapathRequest encodes d. Statistics and multicast groups are never
// sent.
func (f Families) DatapathRequest(d *Datapath) *genl.Request {
	b := nlattr.NewBuilder()
	if d.Name != "" {
		b.PutString(DatapathAttrName, d.Name)
	}
	if d.IPv4Frags != FragUnspec {
		b.PutUint32(DatapathAttrIPv4Frags, uint32(d.IPv4Frags))
	}
	if d.Sampling != nil {
		b.PutUint32(DatapathAttrSampling, *d.Sampling)
	}
	return &genl.Request{
		Family:  f.Datapath,
		Flags:   echoFlags,
		Command: d.Command,
		Version: Version,
		Header:  ovsHeader(d.Ifindex),
		Attrs:   b,
	}
}

// ParseDatapath decodes a datapath family message.
func (f Families) ParseDatapath(m genl.Message) (Datapath, error) {
	ifindex, data, err := splitHeader(m, f.Datapath, "datapath")
	if err != nil {
		return Datapath{}, err
	}
	attrs, err := nlattr.Parse(data, datapathPolicy)
	if err != nil {
		return Datapath{}, err
	}

	d := Datapath{
		Command:   m.Command,
		Ifindex:   ifindex,
		Name:      attrs.String(DatapathAttrName),
		IPv4Frags: FragHandling(attrs.Uint32(DatapathAttrIPv4Frags)),
	}
	if attrs.Has(DatapathAttrSampling) {
		v := attrs.Uint32(DatapathAttrSampling)
		d.Sampling = &v
	}
	if b, ok := attrs[DatapathAttrStats]; ok {
		ne := nl.NativeEndian()
		d.Stats = &DatapathStats{
			Frags:  ne.Uint64(b[0:]),
			Hit:    ne.Uint64(b[8:]),
			Missed: ne.Uint64(b[16:]),
			Lost:   ne.Uint64(b[24:]),
			Flows:  ne.Uint64(b[32:]),
		}
	}
	if b, ok := attrs[DatapathAttrMCGroups]; ok {
		groups, err := nlattr.ParseNested(b, mcgroupsPolicy)
		if err != nil {
			return Datapath{}, err
		}
		for t := UpcallMiss; t < NumUpcallTypes; t++ {
			d.MCGroups[t] = groups.Uint32(uint16(t.PacketCmd()))
		}
	}
	return d, nil
}

// TransactDatapath runs req. With wantReply the kernel's echo is decoded
// and returned.
func (c *Client) TransactDatapath(req *Datapath, wantReply bool) (Datapath, error) {
	m, err := c.Conn.Transact(c.Families.DatapathRequest(req))
	if err != nil || !wantReply {
		return Datapath{}, err
	}
	return c.Families.ParseDatapath(m)
}

// DumpDatapaths dumps every datapath. Decode replies with ParseDatapath.
func (c *Client) DumpDatapaths() *genl.Dump {
	return c.Conn.Dump(c.Families.DatapathRequest(&Datapath{Command: CmdGet}))
}
