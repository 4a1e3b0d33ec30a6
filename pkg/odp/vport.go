package odp

import (
	"math"
	"net"

	"github.com/vishvananda/netlink/nl"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/nlattr"
)

// Vport attributes.
const (
	VportAttrPortNo  uint16 = 1
	VportAttrType    uint16 = 2
	VportAttrName    uint16 = 3
	VportAttrStats   uint16 = 4
	VportAttrAddress uint16 = 5
	VportAttrOptions uint16 = 6
	VportAttrIfindex uint16 = 7
)

// NoPort in Vport.PortNo means no port number: the kernel picks one on
// create, and the attribute is omitted otherwise.
const NoPort = math.MaxUint32

// MaxNameLen bounds datapath and vport names, including the NUL.
const MaxNameLen = 16

// VportType is the kind of a vport.
type VportType uint32

const (
	VportUnspec VportType = iota
	VportNetdev
	VportInternal
	VportPatch
	VportGRE
	VportCAPWAP
)

var vportTypeNames = map[VportType]string{
	VportNetdev:   "system",
	VportInternal: "internal",
	VportPatch:    "patch",
	VportGRE:      "gre",
	VportCAPWAP:   "capwap",
}

func (t VportType) String() string {
	if s, ok := vportTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseVportType maps a device type name to a VportType. An empty name
// is a plain network device.
func ParseVportType(name string) (VportType, bool) {
	if name == "" {
		return VportNetdev, true
	}
	for t, s := range vportTypeNames {
		if s == name {
			return t, true
		}
	}
	return VportUnspec, false
}

// VportStats is struct ovs_vport_stats.
type VportStats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	RxErrors  uint64
	TxErrors  uint64
	RxDropped uint64
	TxDropped uint64
}

const vportStatsLen = 8 * 8

// Vport describes one vport in a request or reply. Byte slices in a
// decoded Vport alias the received message.
type Vport struct {
	Command uint8
	Ifindex int32 // owning datapath

	// PortNo is NoPort in a request that lets the kernel pick, and the
	// attribute is then omitted. Replies always carry it, so ParseVport
	// rejects a message without one.
	PortNo  uint32
	Type    VportType
	Name    string
	Stats   *VportStats
	Address net.HardwareAddr
	Options []byte // nil when absent; nested attributes of the type

	// NetdevIfindex is the backing network device, 0 when absent.
	NetdevIfindex uint32
}

var vportPolicy = nlattr.Policy{
	VportAttrPortNo:  {Type: nlattr.U32},
	VportAttrType:    {Type: nlattr.U32},
	VportAttrName:    {Type: nlattr.String, MaxLen: MaxNameLen},
	VportAttrStats:   {Type: nlattr.Unspec, MinLen: vportStatsLen, MaxLen: vportStatsLen, Optional: true},
	VportAttrAddress: {Type: nlattr.Unspec, MinLen: 6, MaxLen: 6, Optional: true},
	VportAttrOptions: {Type: nlattr.Nested, Optional: true},
	VportAttrIfindex: {Type: nlattr.U32, Optional: true},
}

// VportRequest encodes v, omitting every field left at its absent value.
func (f Families) VportRequest(v *Vport) *genl.Request {
	b := nlattr.NewBuilder()
	if v.PortNo != NoPort {
		b.PutUint32(VportAttrPortNo, v.PortNo)
	}
	if v.Type != VportUnspec {
		b.PutUint32(VportAttrType, uint32(v.Type))
	}
	if v.Name != "" {
		b.PutString(VportAttrName, v.Name)
	}
	if s := v.Stats; s != nil {
		data := make([]byte, vportStatsLen)
		ne := nl.NativeEndian()
		for i, c := range []uint64{s.RxPackets, s.TxPackets, s.RxBytes, s.TxBytes,
			s.RxErrors, s.TxErrors, s.RxDropped, s.TxDropped} {
			ne.PutUint64(data[i*8:], c)
		}
		b.PutBytes(VportAttrStats, data)
	}
	if v.Address != nil {
		b.PutBytes(VportAttrAddress, v.Address)
	}
	if v.Options != nil {
		b.PutBytes(VportAttrOptions, v.Options)
	}
	if v.NetdevIfindex != 0 {
		b.PutUint32(VportAttrIfindex, v.NetdevIfindex)
	}
	return &genl.Request{
		Family:  f.Vport,
		Flags:   echoFlags,
		Command: v.Command,
		Version: Version,
		Header:  ovsHeader(v.Ifindex),
		Attrs:   b,
	}
}

// ParseVport decodes a vport family message.
func (f Families) ParseVport(m genl.Message) (Vport, error) {
	ifindex, data, err := splitHeader(m, f.Vport, "vport")
	if err != nil {
		return Vport{}, err
	}
	attrs, err := nlattr.Parse(data, vportPolicy)
	if err != nil {
		return Vport{}, err
	}

	v := Vport{
		Command:       m.Command,
		Ifindex:       ifindex,
		PortNo:        attrs.Uint32(VportAttrPortNo),
		Type:          VportType(attrs.Uint32(VportAttrType)),
		Name:          attrs.String(VportAttrName),
		NetdevIfindex: attrs.Uint32(VportAttrIfindex),
		Options:       attrs[VportAttrOptions],
	}
	if b, ok := attrs[VportAttrStats]; ok {
		ne := nl.NativeEndian()
		v.Stats = &VportStats{
			RxPackets: ne.Uint64(b[0:]),
			TxPackets: ne.Uint64(b[8:]),
			RxBytes:   ne.Uint64(b[16:]),
			TxBytes:   ne.Uint64(b[24:]),
			RxErrors:  ne.Uint64(b[32:]),
			TxErrors:  ne.Uint64(b[40:]),
			RxDropped: ne.Uint64(b[48:]),
			TxDropped: ne.Uint64(b[56:]),
		}
	}
	if b, ok := attrs[VportAttrAddress]; ok {
		v.Address = net.HardwareAddr(b)
	}
	return v, nil
}

// TransactVport runs req. With wantReply the kernel's echo is decoded
// and returned.
func (c *Client) TransactVport(req *Vport, wantReply bool) (Vport, error) {
	m, err := c.Conn.Transact(c.Families.VportRequest(req))
	if err != nil || !wantReply {
		return Vport{}, err
	}
	return c.Families.ParseVport(m)
}

// DumpVports dumps every vport of the datapath with index dpIfindex.
func (c *Client) DumpVports(dpIfindex int32) *genl.Dump {
	return c.Conn.Dump(c.Families.VportRequest(&Vport{
		Command: CmdGet,
		Ifindex: dpIfindex,
		PortNo:  NoPort,
	}))
}

// VportByName looks up a vport by name in whichever datapath holds it.
func (c *Client) VportByName(name string) (Vport, error) {
	return c.TransactVport(&Vport{
		Command: CmdGet,
		PortNo:  NoPort,
		Name:    name,
	}, true)
}

var internalDeviceRL = logging.NewRateLimiter(5, 20)

// IsInternalDevice reports whether name is an internal vport of some
// datapath. Lookup failures other than the device not existing are
// logged and count as false.
func (c *Client) IsInternalDevice(name string) bool {
	v, err := c.VportByName(name)
	if err != nil {
		if !isMissing(err) {
			internalDeviceRL.Warn("odp: vport lookup failed", "name", name, "err", err)
		}
		return false
	}
	return v.Type == VportInternal
}
