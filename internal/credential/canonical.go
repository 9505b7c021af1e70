// Package credential normalizes credential identifiers and resolves
// them against storage. Identifiers are raw bytes carried across the
// wire as base64url text; intermediate layers sometimes re-encode the
// text itself, so the string seen at authentication time can differ
// from the one stored at registration while naming the same key.
package credential

import (
	"bytes"
	"encoding/base64"
	"strings"
)

// maxUnwrapDepth bounds the number of re-encoding layers peeled off.
// Two layers covers every double-encoding path observed in the wild;
// the bound also keeps adversarial input from looping.
const maxUnwrapDepth = 2

// Canonicalize reduces an identifier to its canonical form: the
// unpadded base64url encoding of the underlying raw bytes. Strings
// that do not decode at all are returned unchanged.
func Canonicalize(s string) string {
	cur := s
	for i := 0; i <= maxUnwrapDepth; i++ {
		decoded, err := decodeBase64URL(cur)
		if err != nil {
			return cur
		}
		// A decoded value that is itself base64url text strictly
		// shorter than its encoding is another wrapping layer
		if i < maxUnwrapDepth && isEncodedText(decoded) && len(decoded) < len(cur) {
			cur = string(decoded)
			continue
		}
		return base64.RawURLEncoding.EncodeToString(decoded)
	}
	return cur
}

// DecodeRaw returns the raw identifier bytes behind any number of
// tolerated encoding layers.
func DecodeRaw(s string) ([]byte, error) {
	return decodeBase64URL(Canonicalize(s))
}

// SameIdentifier reports whether two identifier strings name the same
// underlying credential bytes.
func SameIdentifier(a, b string) bool {
	rawA, errA := DecodeRaw(a)
	rawB, errB := DecodeRaw(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return bytes.Equal(rawA, rawB)
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func isEncodedText(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '=':
		default:
			return false
		}
	}
	return true
}
