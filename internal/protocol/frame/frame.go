package frame

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("frame: malformed frame")
	ErrShortFrame     = fmt.Errorf("%w: too short for correlation key", ErrMalformedFrame)
	ErrInvalidKeySpec = errors.New("frame: invalid key spec")
)

// KeySpec locates the correlation field inside a frame, in bytes.
type KeySpec struct {
	Offset int
	Len    int
}

var (
	// DefaultKeySpec reads bytes 1..2 (hex characters 2..5). Requests and
	// their notifications share this field on the bench peers.
	DefaultKeySpec = KeySpec{Offset: 1, Len: 2}
	// Bytes23KeySpec reads bytes 2..3 (hex characters 4..7).
	Bytes23KeySpec = KeySpec{Offset: 2, Len: 2}
)

// Frame is one complete wire message.
type Frame []byte

// String returns the uppercase hex wire text of f.
func (f Frame) String() string {
	return Encode(f)
}

// Clone returns a copy that does not alias f.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Key is the opaque correlation token a KeySpec extracts, as uppercase hex.
type Key string

// Encode renders b as two uppercase hex characters per byte.
func Encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Decode parses hex wire text in two-character groups. Case is ignored.
func Decode(s string) (Frame, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrMalformedFrame, len(s))
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		var invalid hex.InvalidByteError
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: invalid hex character %q", ErrMalformedFrame, rune(invalid))
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Frame(out), nil
}

// MustDecode is Decode for literals; it panics on malformed input.
func MustDecode(s string) Frame {
	f, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (k KeySpec) Validate() error {
	if k.Offset < 0 || k.Len < 1 {
		return fmt.Errorf("%w: offset=%d len=%d", ErrInvalidKeySpec, k.Offset, k.Len)
	}
	return nil
}

// IsZero reports an unset spec; callers substitute DefaultKeySpec.
func (k KeySpec) IsZero() bool {
	return k == KeySpec{}
}

// OrDefault returns k, or DefaultKeySpec when k is unset.
func (k KeySpec) OrDefault() KeySpec {
	if k.IsZero() {
		return DefaultKeySpec
	}
	return k
}

// HexWidth is the key length in wire characters.
func (k KeySpec) HexWidth() int {
	return 2 * k.Len
}

func (k KeySpec) String() string {
	return fmt.Sprintf("bytes[%d:%d]", k.Offset, k.Offset+k.Len)
}

// Of extracts the correlation key of f.
func (k KeySpec) Of(f Frame) (Key, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	end := k.Offset + k.Len
	if len(f) < end {
		return "", fmt.Errorf("%w: len=%d need=%d", ErrShortFrame, len(f), end)
	}
	return Key(Encode(f[k.Offset:end])), nil
}

// OfHex extracts the correlation key straight from wire text.
func (k KeySpec) OfHex(s string) (Key, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	start, end := 2*k.Offset, 2*(k.Offset+k.Len)
	if len(s) < end {
		return "", fmt.Errorf("%w: len=%d need=%d", ErrShortFrame, len(s)/2, k.Offset+k.Len)
	}
	if _, err := Decode(s[start:end]); err != nil {
		return "", err
	}
	return Key(strings.ToUpper(s[start:end])), nil
}

// KeyOf is DefaultKeySpec.Of.
func KeyOf(f Frame) (Key, error) {
	return DefaultKeySpec.Of(f)
}

// KeyOfHex is DefaultKeySpec.OfHex.
func KeyOfHex(s string) (Key, error) {
	return DefaultKeySpec.OfHex(s)
}
