package credential

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestCanonicalizeUnwrapsLayers(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0xff, 0xfe, 0x80, 0x00, 0x42}
	canonical := encode(raw)

	tests := []struct {
		name  string
		input string
	}{
		{"already canonical", canonical},
		{"single re-encoding", encode([]byte(canonical))},
		{"double re-encoding", encode([]byte(encode([]byte(canonical))))},
		{"padded form", base64.URLEncoding.EncodeToString(raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, canonical, Canonicalize(tt.input))
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		encode([]byte{0x01, 0x02, 0x03, 0xab, 0xcd}),
		encode([]byte(encode([]byte{0x99, 0x88, 0x77, 0x66, 0x55, 0x44}))),
		"not!valid!base64",
		"",
	}

	for _, in := range inputs {
		once := Canonicalize(in)
		assert.Equal(t, once, Canonicalize(once), "input %q", in)
	}
}

func TestCanonicalizeRejectsNothing(t *testing.T) {
	// Strings that fail to decode come back unchanged
	assert.Equal(t, "hello world!", Canonicalize("hello world!"))
}

func TestDecodeRaw(t *testing.T) {
	raw := []byte{0x10, 0x20, 0x30, 0x40, 0xf0, 0xe0}

	got, err := DecodeRaw(encode([]byte(encode(raw))))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSameIdentifier(t *testing.T) {
	rawA := []byte{0x01, 0x02, 0x03, 0xaa, 0xbb, 0xcc}
	rawB := []byte{0x01, 0x02, 0x03, 0xaa, 0xbb, 0xcd}

	assert.True(t, SameIdentifier(encode(rawA), encode([]byte(encode(rawA)))))
	assert.False(t, SameIdentifier(encode(rawA), encode(rawB)))
	assert.False(t, SameIdentifier(encode(rawA), encode([]byte(encode(rawB)))))
}
