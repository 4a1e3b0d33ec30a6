// Package odp translates Open vSwitch datapath, vport, flow and packet
// messages to and from their generic netlink form and runs them against
// the kernel.
package odp

import (
	"fmt"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/nlattr"
)

// Generic netlink family and multicast group names.
const (
	DatapathFamily = "ovs_datapath"
	VportFamily    = "ovs_vport"
	FlowFamily     = "ovs_flow"
	PacketFamily   = "ovs_packet"
	VportMCGroup   = "ovs_vport"
)

// Version is the generic netlink version of every OVS family.
const Version = 1

// HeaderLen is the size of struct ovs_header (the datapath ifindex).
const HeaderLen = 4

// Commands shared by the datapath, vport and flow families.
const (
	CmdNew uint8 = 1
	CmdDel uint8 = 2
	CmdGet uint8 = 3
	CmdSet uint8 = 4
)

// Packet family commands.
const (
	PacketCmdMiss    uint8 = 1
	PacketCmdAction  uint8 = 2
	PacketCmdSample  uint8 = 3
	PacketCmdExecute uint8 = 4
)

// Action attributes.
const (
	ActionAttrOutput uint16 = 1
)

// Requests ask the kernel to echo the resulting object back.
const echoFlags = unix.NLM_F_ECHO

// LocalPort is the datapath's own internal port.
const LocalPort = 0

// MaxPorts is the number of port numbers the datapath supports.
const MaxPorts = 1024

// EthHeaderLen is the smallest packet an upcall may carry.
const EthHeaderLen = 14

// Families holds the resolved family ids and the vport change group.
type Families struct {
	Datapath   uint16
	Vport      uint16
	Flow       uint16
	Packet     uint16
	VportGroup uint32
}

// ResolveFamilies looks up all four OVS families and the vport
// multicast group.
func ResolveFamilies(r genl.Resolver) (Families, error) {
	var f Families
	for _, lookup := range []struct {
		name string
		id   *uint16
	}{
		{DatapathFamily, &f.Datapath},
		{VportFamily, &f.Vport},
		{FlowFamily, &f.Flow},
		{PacketFamily, &f.Packet},
	} {
		fam, err := r.Family(lookup.name)
		if err != nil {
			return Families{}, err
		}
		*lookup.id = fam.ID
		if lookup.name == VportFamily {
			grp, err := fam.Group(VportMCGroup)
			if err != nil {
				return Families{}, err
			}
			f.VportGroup = grp
		}
	}
	return f, nil
}

func ovsHeader(dpIfindex int32) []byte {
	b := make([]byte, HeaderLen)
	nl.NativeEndian().PutUint32(b, uint32(dpIfindex))
	return b
}

// splitHeader checks that m belongs to family and returns the datapath
// ifindex and the attribute bytes following the OVS header.
func splitHeader(m genl.Message, family uint16, what string) (int32, []byte, error) {
	if m.Header.Type != family {
		return 0, nil, &nlattr.MalformedError{
			Reason: fmt.Sprintf("%s: message type %d is not family %d", what, m.Header.Type, family),
		}
	}
	if len(m.Data) < HeaderLen {
		return 0, nil, &nlattr.MalformedError{
			Reason: fmt.Sprintf("%s: %d bytes is too short for the ovs header", what, len(m.Data)),
		}
	}
	return int32(nl.NativeEndian().Uint32(m.Data[:HeaderLen])), m.Data[HeaderLen:], nil
}

// Client runs OVS requests over a transaction connection.
type Client struct {
	Conn     *genl.Conn
	Families Families
}

// NewClient returns a Client using conn and the resolved families.
func NewClient(conn *genl.Conn, fams Families) *Client {
	return &Client{Conn: conn, Families: fams}
}

// Execute injects packet into the datapath with an explicit flow key
// and action list.
func (c *Client) Execute(dpIfindex int32, key, actions, packet []byte) error {
	_, err := c.Conn.Transact(c.Families.ExecuteRequest(dpIfindex, key, actions, packet))
	return err
}

// SendOnPort transmits packet out of portNo. The key describes the
// packet and is built by the caller.
func (c *Client) SendOnPort(dpIfindex int32, portNo uint32, key, packet []byte) error {
	actions := nlattr.NewBuilder()
	actions.PutUint32(ActionAttrOutput, portNo)
	return c.Execute(dpIfindex, key, actions.Bytes(), packet)
}

// isMissing reports errors meaning the object does not exist.
func isMissing(err error) bool {
	return err == unix.ENOENT || err == unix.ENODEV
}
