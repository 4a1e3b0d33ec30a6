// Package genl implements generic netlink request/reply transactions and
// dumps on top of a netlink socket.
package genl

import (
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/psaab/ovsdp/pkg/nlattr"
)

// HdrLen is the size of the generic netlink header (cmd, version, reserved).
const HdrLen = unix.GENL_HDRLEN

// Message is one generic netlink message. Data is everything after the
// generic header: a family-specific fixed header followed by attributes.
// Data aliases the buffer it was received into.
type Message struct {
	Header  unix.NlMsghdr
	Command uint8
	Version uint8
	Data    []byte
}

// ParseMessage splits the generic netlink header off a raw message.
func ParseMessage(m syscall.NetlinkMessage) (Message, error) {
	if len(m.Data) < HdrLen {
		return Message{}, &nlattr.MalformedError{Reason: fmt.Sprintf("message of %d bytes has no generic header", len(m.Data))}
	}
	g := nl.DeserializeGenlmsg(m.Data)
	return Message{
		Header:  unix.NlMsghdr(m.Header),
		Command: g.Command,
		Version: g.Version,
		Data:    m.Data[HdrLen:],
	}, nil
}

// Netlink re-encodes m as a raw netlink message, filling in the length.
func (m Message) Netlink() syscall.NetlinkMessage {
	data := make([]byte, HdrLen+len(m.Data))
	data[0] = m.Command
	data[1] = m.Version
	copy(data[HdrLen:], m.Data)
	hdr := syscall.NlMsghdr(m.Header)
	hdr.Len = uint32(unix.NLMSG_HDRLEN + len(data))
	return syscall.NetlinkMessage{Header: hdr, Data: data}
}

// Request describes a generic netlink request before encoding.
type Request struct {
	Family  uint16
	Flags   int // NLM_F_* in addition to NLM_F_REQUEST
	Command uint8
	Version uint8
	Header  []byte // family-specific fixed header
	Attrs   *nlattr.Builder
}

// Payload returns the fixed header followed by the serialized attributes.
func (r *Request) Payload() []byte {
	payload := append([]byte(nil), r.Header...)
	if r.Attrs != nil {
		payload = append(payload, r.Attrs.Bytes()...)
	}
	return payload
}

// Netlink encodes r. The library assigns the sequence number.
func (r *Request) Netlink() *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(int(r.Family), r.Flags)
	req.AddData(&nl.Genlmsg{Command: r.Command, Version: r.Version})
	req.AddRawData(r.Payload())
	return req
}

// errnoOf decodes an NLMSG_ERROR payload. A zero errno is an ack.
func errnoOf(m syscall.NetlinkMessage) error {
	if len(m.Data) < 4 {
		return &nlattr.MalformedError{Reason: "truncated error message"}
	}
	code := int32(nl.NativeEndian().Uint32(m.Data[0:4]))
	if code == 0 {
		return nil
	}
	return unix.Errno(-code)
}
