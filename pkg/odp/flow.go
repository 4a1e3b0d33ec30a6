package odp

import (
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/nlattr"
)

// Flow attributes.
const (
	FlowAttrKey      uint16 = 1
	FlowAttrActions  uint16 = 2
	FlowAttrStats    uint16 = 3
	FlowAttrTCPFlags uint16 = 4
	FlowAttrUsed     uint16 = 5
	FlowAttrClear    uint16 = 6
)

// FlowStats is struct ovs_flow_stats.
type FlowStats struct {
	Packets uint64
	Bytes   uint64
}

const flowStatsLen = 2 * 8

// Flow describes one flow in a request or reply. Byte slices in a
// decoded Flow alias the received message.
type Flow struct {
	Command uint8
	// NlmsgFlags are extra netlink flags for a request (NLM_F_CREATE
	// and friends). On decode they hold the reply's header flags.
	NlmsgFlags uint16
	Ifindex    int32 // owning datapath

	Key []byte // omitted when empty
	// Actions is sent whenever it is non-nil, even when empty: an empty
	// action list drops, while no attribute leaves actions unchanged.
	Actions []byte

	// Reply only; encoding a Flow with any of these set panics.
	Stats    *FlowStats
	TCPFlags *uint8
	Used     *uint64 // msec of CLOCK_MONOTONIC, see NowMsec

	Clear bool // reset statistics
}

var flowPolicy = nlattr.Policy{
	FlowAttrKey:      {Type: nlattr.Nested},
	FlowAttrActions:  {Type: nlattr.Nested, Optional: true},
	FlowAttrStats:    {Type: nlattr.Unspec, MinLen: flowStatsLen, MaxLen: flowStatsLen, Optional: true},
	FlowAttrTCPFlags: {Type: nlattr.U8, Optional: true},
	FlowAttrUsed:     {Type: nlattr.U64, Optional: true},
	FlowAttrClear:    {Type: nlattr.Flag, Optional: true},
}

// FlowRequest encodes fl.
func (f Families) FlowRequest(fl *Flow) *genl.Request {
	if fl.Stats != nil || fl.TCPFlags != nil || fl.Used != nil {
		panic("odp: flow request carries reply-only statistics")
	}
	b := nlattr.NewBuilder()
	if len(fl.Key) > 0 {
		b.PutBytes(FlowAttrKey, fl.Key)
	}
	if fl.Actions != nil {
		b.PutBytes(FlowAttrActions, fl.Actions)
	}
	if fl.Clear {
		b.PutFlag(FlowAttrClear)
	}
	return &genl.Request{
		Family:  f.Flow,
		Flags:   echoFlags | int(fl.NlmsgFlags),
		Command: fl.Command,
		Version: Version,
		Header:  ovsHeader(fl.Ifindex),
		Attrs:   b,
	}
}

// ParseFlow decodes a flow family message.
func (f Families) ParseFlow(m genl.Message) (Flow, error) {
	ifindex, data, err := splitHeader(m, f.Flow, "flow")
	if err != nil {
		return Flow{}, err
	}
	attrs, err := nlattr.Parse(data, flowPolicy)
	if err != nil {
		return Flow{}, err
	}

	fl := Flow{
		Command:    m.Command,
		NlmsgFlags: m.Header.Flags,
		Ifindex:    ifindex,
		Key:        attrs[FlowAttrKey],
		Actions:    attrs[FlowAttrActions],
		Clear:      attrs.Has(FlowAttrClear),
	}
	if b, ok := attrs[FlowAttrStats]; ok {
		fl.Stats = &FlowStats{
			Packets: nl.NativeEndian().Uint64(b[0:]),
			Bytes:   nl.NativeEndian().Uint64(b[8:]),
		}
	}
	if attrs.Has(FlowAttrTCPFlags) {
		v := attrs.Uint8(FlowAttrTCPFlags)
		fl.TCPFlags = &v
	}
	if attrs.Has(FlowAttrUsed) {
		v := attrs.Uint64(FlowAttrUsed)
		fl.Used = &v
	}
	return fl, nil
}

// TransactFlow runs req. With wantReply the kernel's echo is decoded
// and returned.
func (c *Client) TransactFlow(req *Flow, wantReply bool) (Flow, error) {
	m, err := c.Conn.Transact(c.Families.FlowRequest(req))
	if err != nil || !wantReply {
		return Flow{}, err
	}
	return c.Families.ParseFlow(m)
}

// DumpFlows dumps every flow of the datapath with index dpIfindex.
func (c *Client) DumpFlows(dpIfindex int32) *genl.Dump {
	return c.Conn.Dump(c.Families.FlowRequest(&Flow{Command: CmdGet, Ifindex: dpIfindex}))
}

// NowMsec reads CLOCK_MONOTONIC in msec, the clock the kernel reports
// flow used times in. It returns 0 if the clock cannot be read.
func NowMsec() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano() / 1e6)
}
