package nlattr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var testPolicy = Policy{
	1: {Type: U32},
	2: {Type: String, MaxLen: 16},
	3: {Type: Unspec, MinLen: 16, MaxLen: 16, Optional: true},
	4: {Type: Nested, Optional: true},
	5: {Type: U64, Optional: true},
	6: {Type: Flag, Optional: true},
}

func TestParseRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.PutUint32(1, 7)
	b.PutString(2, "br0")
	b.PutBytes(3, make([]byte, 16))
	b.PutNested(4, func(n *Builder) {
		n.PutUint32(1, 100)
		n.PutUint32(3, 300)
	})
	b.PutUint64(5, 1<<40+5)
	b.PutFlag(6)

	attrs, err := Parse(b.Bytes(), testPolicy)
	require.NoError(t, err)
	require.Equal(t, uint32(7), attrs.Uint32(1))
	require.Equal(t, "br0", attrs.String(2))
	require.Len(t, attrs[3], 16)
	require.Equal(t, uint64(1<<40+5), attrs.Uint64(5))
	require.True(t, attrs.Has(6))
	require.Empty(t, attrs[6])

	nested, err := ParseNested(attrs[4], Policy{
		1: {Type: U32, Optional: true},
		2: {Type: U32, Optional: true},
		3: {Type: U32, Optional: true},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(100), nested.Uint32(1))
	require.False(t, nested.Has(2))
	require.Equal(t, uint32(300), nested.Uint32(3))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Builder)
	}{
		{"missing required", func(b *Builder) {
			b.PutUint32(1, 1)
		}},
		{"short u32", func(b *Builder) {
			b.PutUint16(1, 1)
			b.PutString(2, "x")
		}},
		{"long string", func(b *Builder) {
			b.PutUint32(1, 1)
			b.PutString(2, "this-name-is-too-long")
		}},
		{"unterminated string", func(b *Builder) {
			b.PutUint32(1, 1)
			b.PutBytes(2, []byte("abc"))
		}},
		{"wrong fixed size blob", func(b *Builder) {
			b.PutUint32(1, 1)
			b.PutString(2, "x")
			b.PutBytes(3, make([]byte, 8))
		}},
		{"flag with payload", func(b *Builder) {
			b.PutUint32(1, 1)
			b.PutString(2, "x")
			b.PutUint32(6, 0xdeadbeef)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			tt.build(b)
			_, err := Parse(b.Bytes(), testPolicy)
			require.Error(t, err)
			var me *MalformedError
			require.True(t, errors.As(err, &me))
			require.True(t, errors.Is(err, unix.EINVAL))
		})
	}
}

func TestParseIgnoresUnknown(t *testing.T) {
	b := NewBuilder()
	b.PutUint32(1, 1)
	b.PutBytes(99, []byte{1, 2, 3, 4, 5})
	b.PutString(2, "eth0")
	b.PutUint8(100, 3)

	attrs, err := Parse(b.Bytes(), testPolicy)
	require.NoError(t, err)
	require.False(t, attrs.Has(99))
	require.Equal(t, "eth0", attrs.String(2))
}

func TestParseNestedIsOpaque(t *testing.T) {
	// Flow keys and actions travel as nested attributes but are handed
	// to callers uninterpreted, whatever their contents.
	for _, payload := range [][]byte{
		make([]byte, 8),
		{9, 0, 1},
		{0xff, 0xff, 0xff, 0xff, 1, 2, 3, 4},
	} {
		b := NewBuilder()
		b.PutUint32(1, 1)
		b.PutString(2, "x")
		b.PutBytes(4, payload)

		attrs, err := Parse(b.Bytes(), testPolicy)
		require.NoError(t, err)
		require.Equal(t, payload, []byte(attrs[4]))
	}
}

func TestParseTruncated(t *testing.T) {
	b := NewBuilder()
	b.PutUint32(1, 1)
	b.PutString(2, "eth0")
	raw := b.Bytes()

	_, err := Parse(raw[:len(raw)-6], testPolicy)
	require.ErrorIs(t, err, unix.EINVAL)

	_, err = Parse(append(raw, 0, 0), testPolicy)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestUnalignedUint64(t *testing.T) {
	// A u64 following a 4-byte header starts on a 4-byte boundary only.
	b := NewBuilder()
	b.PutUint64(5, 0x0102030405060708)
	raw := b.Bytes()
	require.Len(t, raw, 12)
	require.Equal(t, uint64(0x0102030405060708), Uint64(raw[4:]))
}

func TestZeroLengthBytes(t *testing.T) {
	b := NewBuilder()
	b.PutBytes(3, nil)
	raw := b.Bytes()
	require.Len(t, raw, HdrLen)

	attrs, err := Parse(raw, Policy{3: {Type: Nested}})
	require.NoError(t, err)
	require.True(t, attrs.Has(3))
	require.Empty(t, attrs[3])
}
