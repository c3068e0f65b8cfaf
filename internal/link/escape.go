package link

import "errors"

const (
	// Marker delimits every frame on the wire.
	Marker byte = 0x7E
	// Escape prefixes a reserved byte inside a frame body.
	Escape byte = 0x7D
	// EscapeMask is XORed into the byte that follows Escape.
	EscapeMask byte = 0x20
)

// ErrTruncatedEscape is returned when a buffer ends on an Escape byte.
var ErrTruncatedEscape = errors.New("link: truncated escape sequence")

// EscapeBytes replaces every Marker and Escape byte in b with the two-byte
// sequence Escape, b^EscapeMask. The result never contains Marker.
func EscapeBytes(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/8)
	for _, c := range b {
		if c == Marker || c == Escape {
			out = append(out, Escape, c^EscapeMask)
			continue
		}
		out = append(out, c)
	}
	return out
}

// UnescapeBytes reverses EscapeBytes.
func UnescapeBytes(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != Escape {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			return nil, ErrTruncatedEscape
		}
		i++
		out = append(out, b[i]^EscapeMask)
	}
	return out, nil
}
