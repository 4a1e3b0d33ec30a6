package nlattr

import (
	"github.com/vishvananda/netlink/nl"
)

// Builder accumulates attributes in the order they are put. It does not
// deduplicate slots; callers put each slot at most once.
type Builder struct {
	attrs []*nl.RtAttr
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) put(slot uint16, data []byte) *nl.RtAttr {
	a := nl.NewRtAttr(int(slot), data)
	b.attrs = append(b.attrs, a)
	return a
}

// PutUint8 appends a u8 attribute.
func (b *Builder) PutUint8(slot uint16, v uint8) { b.put(slot, nl.Uint8Attr(v)) }

// PutUint16 appends a u16 attribute in host byte order.
func (b *Builder) PutUint16(slot uint16, v uint16) { b.put(slot, nl.Uint16Attr(v)) }

// PutUint32 appends a u32 attribute in host byte order.
func (b *Builder) PutUint32(slot uint16, v uint32) { b.put(slot, nl.Uint32Attr(v)) }

// PutUint64 appends a u64 attribute in host byte order.
func (b *Builder) PutUint64(slot uint16, v uint64) {
	data := make([]byte, 8)
	nl.NativeEndian().PutUint64(data, v)
	b.put(slot, data)
}

// PutString appends a NUL-terminated string attribute.
func (b *Builder) PutString(slot uint16, s string) { b.put(slot, nl.ZeroTerminated(s)) }

// PutFlag appends a zero-length attribute whose presence is the value.
func (b *Builder) PutFlag(slot uint16) { b.put(slot, nil) }

// PutBytes appends an opaque attribute. A nil or empty data still
// produces a zero-length attribute.
func (b *Builder) PutBytes(slot uint16, data []byte) { b.put(slot, data) }

// PutNested appends a nested attribute whose children are added by fn.
func (b *Builder) PutNested(slot uint16, fn func(*Builder)) {
	child := &Builder{}
	fn(child)
	parent := b.put(slot, nil)
	for _, a := range child.attrs {
		parent.AddChild(a)
	}
}

// Len returns the number of attributes put so far.
func (b *Builder) Len() int {
	return len(b.attrs)
}

// Bytes serializes the attributes with netlink alignment padding.
func (b *Builder) Bytes() []byte {
	var out []byte
	for _, a := range b.attrs {
		out = append(out, a.Serialize()...)
	}
	return out
}
