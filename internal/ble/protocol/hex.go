package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseHex decodes a hex string. Whitespace, ':' and '-' separators and a
// leading "0x" are ignored, so "0x4C 00", "4c:00" and "4C00" are equal.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':', '-':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: parse hex: %w", err)
	}
	return b, nil
}

// FormatHex renders data as lowercase hex without separators.
func FormatHex(data []byte) string {
	return hex.EncodeToString(data)
}
