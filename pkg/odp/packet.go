package odp

import (
	"fmt"

	"github.com/psaab/ovsdp/pkg/genl"
	"github.com/psaab/ovsdp/pkg/nlattr"
)

// Packet attributes.
const (
	PacketAttrPacket     uint16 = 1
	PacketAttrKey        uint16 = 2
	PacketAttrActions    uint16 = 3
	PacketAttrUserdata   uint16 = 4
	PacketAttrSamplePool uint16 = 5
)

// Upcall is one packet sent up by the datapath. The byte slices borrow
// from the receive buffer and are only valid until the receiver reads
// again; use Clone to keep an upcall longer.
type Upcall struct {
	Type       UpcallType
	Packet     []byte
	Key        []byte
	Userdata   *uint64
	SamplePool *uint32
	Actions    []byte // nil when absent
}

// Clone returns a copy of u that owns its memory.
func (u Upcall) Clone() Upcall {
	c := u
	c.Packet = clone(u.Packet)
	c.Key = clone(u.Key)
	c.Actions = clone(u.Actions)
	if u.Userdata != nil {
		v := *u.Userdata
		c.Userdata = &v
	}
	if u.SamplePool != nil {
		v := *u.SamplePool
		c.SamplePool = &v
	}
	return c
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

var upcallPolicy = nlattr.Policy{
	PacketAttrPacket:     {Type: nlattr.Unspec, MinLen: EthHeaderLen},
	PacketAttrKey:        {Type: nlattr.Nested},
	PacketAttrActions:    {Type: nlattr.Nested, Optional: true},
	PacketAttrUserdata:   {Type: nlattr.U64, Optional: true},
	PacketAttrSamplePool: {Type: nlattr.U32, Optional: true},
}

// ParseUpcall decodes a packet family message into an upcall and the
// index of the datapath that sent it.
func (f Families) ParseUpcall(m genl.Message) (Upcall, int32, error) {
	ifindex, data, err := splitHeader(m, f.Packet, "upcall")
	if err != nil {
		return Upcall{}, 0, err
	}
	var typ UpcallType
	switch m.Command {
	case PacketCmdMiss:
		typ = UpcallMiss
	case PacketCmdAction:
		typ = UpcallAction
	case PacketCmdSample:
		typ = UpcallSample
	default:
		return Upcall{}, 0, &nlattr.MalformedError{Reason: fmt.Sprintf("upcall: unknown packet command %d", m.Command)}
	}
	attrs, err := nlattr.Parse(data, upcallPolicy)
	if err != nil {
		return Upcall{}, 0, err
	}

	u := Upcall{
		Type:    typ,
		Packet:  attrs[PacketAttrPacket],
		Key:     attrs[PacketAttrKey],
		Actions: attrs[PacketAttrActions],
	}
	if attrs.Has(PacketAttrUserdata) {
		v := attrs.Uint64(PacketAttrUserdata)
		u.Userdata = &v
	}
	if attrs.Has(PacketAttrSamplePool) {
		v := attrs.Uint32(PacketAttrSamplePool)
		u.SamplePool = &v
	}
	return u, ifindex, nil
}

// UpcallMessage encodes u as the datapath would send it. It is the
// inverse of ParseUpcall and is used to feed receivers.
func (f Families) UpcallMessage(dpIfindex int32, u *Upcall) genl.Message {
	b := nlattr.NewBuilder()
	b.PutBytes(PacketAttrPacket, u.Packet)
	b.PutBytes(PacketAttrKey, u.Key)
	if u.Actions != nil {
		b.PutBytes(PacketAttrActions, u.Actions)
	}
	if u.Userdata != nil {
		b.PutUint64(PacketAttrUserdata, *u.Userdata)
	}
	if u.SamplePool != nil {
		b.PutUint32(PacketAttrSamplePool, *u.SamplePool)
	}
	m := genl.Message{
		Command: u.Type.PacketCmd(),
		Version: Version,
		Data:    append(ovsHeader(dpIfindex), b.Bytes()...),
	}
	m.Header.Type = f.Packet
	return m
}

// ExecuteRequest encodes a request to run actions on packet.
func (f Families) ExecuteRequest(dpIfindex int32, key, actions, packet []byte) *genl.Request {
	b := nlattr.NewBuilder()
	b.PutBytes(PacketAttrPacket, packet)
	b.PutBytes(PacketAttrKey, key)
	b.PutBytes(PacketAttrActions, actions)
	return &genl.Request{
		Family:  f.Packet,
		Command: PacketCmdExecute,
		Version: Version,
		Header:  ovsHeader(dpIfindex),
		Attrs:   b,
	}
}
