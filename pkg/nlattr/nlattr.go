// Package nlattr parses and builds netlink type-length-value attributes
// and validates them against declarative policies.
package nlattr

import (
	"bytes"
	"fmt"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// HdrLen is the size of an attribute header (16-bit length, 16-bit type).
const HdrLen = unix.SizeofNlAttr

// typeMask strips the nested and byte-order flag bits from a type field.
const typeMask = ^uint16(unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)

// Type is the payload type an attribute is expected to carry.
type Type uint8

const (
	Unspec Type = iota // opaque bytes
	U8
	U16
	U32
	U64
	String // NUL-terminated, no embedded NUL
	Flag   // presence only
	Nested // attribute list, parsed by the caller with ParseNested
)

func (t Type) String() string {
	switch t {
	case Unspec:
		return "unspec"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case String:
		return "string"
	case Flag:
		return "flag"
	case Nested:
		return "nested"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// lenRange returns the payload bounds implied by a type when the rule
// leaves MinLen/MaxLen at zero. hi < 0 means unbounded.
func (t Type) lenRange() (lo, hi int) {
	switch t {
	case U8:
		return 1, 1
	case U16:
		return 2, 2
	case U32:
		return 4, 4
	case U64:
		return 8, 8
	case String:
		return 1, -1
	case Flag:
		return 0, 0
	}
	return 0, -1
}

// Rule describes one attribute slot of a policy.
type Rule struct {
	Type     Type
	MinLen   int // payload bytes; 0 = default for Type
	MaxLen   int // payload bytes, including a string's NUL; 0 = default
	Optional bool
}

// Policy maps attribute slots to rules. Slots not in the policy are
// unknown; Parse ignores them.
type Policy map[uint16]Rule

// Attrs holds parsed attribute payloads keyed by slot. Payloads alias
// the buffer that was parsed.
type Attrs map[uint16][]byte

// MalformedError reports a message that does not satisfy its policy.
// It unwraps to EINVAL so the kernel-style error model is preserved.
type MalformedError struct {
	Slot   uint16
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Slot == 0 {
		return "malformed netlink attributes: " + e.Reason
	}
	return fmt.Sprintf("malformed netlink attribute %d: %s", e.Slot, e.Reason)
}

func (e *MalformedError) Unwrap() error { return unix.EINVAL }

func malformed(slot uint16, format string, args ...any) error {
	return &MalformedError{Slot: slot, Reason: fmt.Sprintf(format, args...)}
}

// align rounds n up to the netlink attribute alignment.
func align(n int) int {
	return (n + unix.NLA_ALIGNTO - 1) &^ (unix.NLA_ALIGNTO - 1)
}

// rawAttr is one attribute as laid out on the wire.
type rawAttr struct {
	typ     uint16 // with flag bits
	payload []byte
}

// walk splits b into attributes. Trailing bytes that do not form a
// complete attribute make the whole buffer malformed.
func walk(b []byte, fn func(rawAttr) error) error {
	native := nl.NativeEndian()
	for len(b) > 0 {
		if len(b) < HdrLen {
			return malformed(0, "%d trailing bytes", len(b))
		}
		alen := int(native.Uint16(b[0:2]))
		if alen < HdrLen || alen > len(b) {
			return malformed(0, "attribute length %d out of range (%d left)", alen, len(b))
		}
		ra := rawAttr{typ: native.Uint16(b[2:4]), payload: b[HdrLen:alen:alen]}
		if err := fn(ra); err != nil {
			return err
		}
		next := align(alen)
		if next > len(b) {
			next = len(b)
		}
		b = b[next:]
	}
	return nil
}

// Parse validates the attribute list in b against policy and returns
// the payload of every slot the policy knows about.
func Parse(b []byte, policy Policy) (Attrs, error) {
	attrs := make(Attrs, len(policy))
	err := walk(b, func(ra rawAttr) error {
		slot := ra.typ & typeMask
		rule, ok := policy[slot]
		if !ok {
			return nil
		}
		if err := rule.validate(slot, ra); err != nil {
			return err
		}
		attrs[slot] = ra.payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	for slot, rule := range policy {
		if _, ok := attrs[slot]; !ok && !rule.Optional {
			return nil, malformed(slot, "required attribute missing")
		}
	}
	return attrs, nil
}

// ParseNested parses the payload of a nested attribute with its own
// policy.
func ParseNested(payload []byte, policy Policy) (Attrs, error) {
	return Parse(payload, policy)
}

func (r Rule) validate(slot uint16, ra rawAttr) error {
	lo, hi := r.Type.lenRange()
	if r.MinLen != 0 {
		lo = r.MinLen
	}
	if r.MaxLen != 0 {
		hi = r.MaxLen
	}
	n := len(ra.payload)
	if n < lo || (hi >= 0 && n > hi) {
		return malformed(slot, "%s payload length %d outside [%d,%d]", r.Type, n, lo, hi)
	}
	if ra.typ&unix.NLA_F_NESTED != 0 && r.Type != Nested {
		return malformed(slot, "nested attribute where %s expected", r.Type)
	}
	switch r.Type {
	case String:
		if ra.payload[n-1] != 0 {
			return malformed(slot, "string not NUL terminated")
		}
		if bytes.IndexByte(ra.payload[:n-1], 0) >= 0 {
			return malformed(slot, "string has embedded NUL")
		}
	}
	return nil
}

// Has reports whether slot was present.
func (a Attrs) Has(slot uint16) bool {
	_, ok := a[slot]
	return ok
}

// Uint8 returns slot's payload as a u8, or 0 if absent.
func (a Attrs) Uint8(slot uint16) uint8 { return Uint8(a[slot]) }

// Uint16 returns slot's payload as a u16, or 0 if absent.
func (a Attrs) Uint16(slot uint16) uint16 { return Uint16(a[slot]) }

// Uint32 returns slot's payload as a u32, or 0 if absent.
func (a Attrs) Uint32(slot uint16) uint32 { return Uint32(a[slot]) }

// Uint64 returns slot's payload as a u64, or 0 if absent.
func (a Attrs) Uint64(slot uint16) uint64 { return Uint64(a[slot]) }

// String returns slot's payload without its NUL terminator.
func (a Attrs) String(slot uint16) string { return cstring(a[slot]) }

// The accessors below decode from byte slices rather than through
// pointer casts: attribute payloads are only 4-byte aligned.

func Uint8(b []byte) uint8 {
	if len(b) < 1 {
		return 0
	}
	return b[0]
}

func Uint16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return nl.NativeEndian().Uint16(b)
}

func Uint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return nl.NativeEndian().Uint32(b)
}

func Uint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return nl.NativeEndian().Uint64(b)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
