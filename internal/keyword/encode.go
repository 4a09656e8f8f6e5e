package keyword

import (
	"fmt"
	"strconv"
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// EncodeID maps an arbitrary id onto [A-Za-z0-9-_]. Every byte outside
// [A-Za-z0-9-] becomes "_XX" with XX its upper-case hex value, so "#" is
// "_23" and "_" itself is "_5F". The transform is total and reversible.
func EncodeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// DecodeID reverses EncodeID.
func DecodeID(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '_' {
			if !isKeyByte(c) {
				return "", fmt.Errorf("%w: invalid byte %q in encoded id %q", ErrInvalidRequest, c, encoded)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(encoded) {
			return "", fmt.Errorf("%w: truncated escape in encoded id %q", ErrInvalidRequest, encoded)
		}
		v, err := strconv.ParseUint(encoded[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: invalid escape in encoded id %q", ErrInvalidRequest, encoded)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

func isKeyByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-'
}
