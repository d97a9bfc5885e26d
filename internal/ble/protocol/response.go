package protocol

import (
	"github.com/chaz8081/blelink/internal/ble"
)

// TextResponse decodes replies framed by d into a string. It reports
// ble.ErrIncomplete until the suffix arrives.
func TextResponse(d Delimited) ble.ResponseFactory {
	return func(_ *ble.Command, raw []byte) (any, error) {
		if !d.Complete(raw) {
			return nil, ble.ErrIncomplete
		}
		return d.Strip(raw)
	}
}

// HexResponse decodes any reply into its hex rendering.
func HexResponse(_ *ble.Command, raw []byte) (any, error) {
	return FormatHex(raw), nil
}

// Compile-time check that HexResponse is a ResponseFactory.
var _ ble.ResponseFactory = HexResponse
