package devtoolsrelay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// SignatureSize is the size of a BLAKE3 signature in bytes (256 bits).
const SignatureSize = 32

// Signature is a BLAKE3 digest used to key content by identity rather than
// by the content itself (script sources, error groups).
type Signature [SignatureSize]byte

// String returns the hex-encoded representation of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// ShortString returns a shortened hex representation for display.
func (s Signature) ShortString() string {
	return hex.EncodeToString(s[:8])
}

// IsZero returns true if the signature is all zeros (uninitialized).
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	if len(text) != SignatureSize*2 {
		return fmt.Errorf("invalid signature length: expected %d hex chars, got %d", SignatureSize*2, len(text))
	}
	_, err := hex.Decode(s[:], text)
	return err
}

// ParseSignature parses a hex-encoded signature string.
func ParseSignature(str string) (Signature, error) {
	var s Signature
	if err := s.UnmarshalText([]byte(str)); err != nil {
		return Signature{}, err
	}
	return s, nil
}

// SignBytes computes the signature of the given bytes.
func SignBytes(data []byte) Signature {
	return Signature(blake3.Sum256(data))
}

// SignParts computes a signature over several fields. Fields are length
// prefixed so ("ab","c") and ("a","bc") never collide.
func SignParts(parts ...string) Signature {
	h := blake3.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:", len(p))
		_, _ = h.Write([]byte(p))
	}
	var s Signature
	h.Sum(s[:0])
	return s
}

// ErrorSignature groups errors that differ only in whitespace or in the
// letter case of the level.
func ErrorSignature(level, message, source string) Signature {
	return SignParts(
		strings.ToLower(strings.TrimSpace(level)),
		strings.Join(strings.Fields(message), " "),
		strings.TrimSpace(source),
	)
}
