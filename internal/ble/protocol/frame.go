// Package protocol builds request frames and decodes replies for serial
// bridge peripherals (HM-10 style modules behind service FFE0) and similar
// text protocols.
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/chaz8081/blelink/internal/ble"
)

// Delimited wraps each message in a fixed prefix and suffix, e.g.
// "S<text>;" for text and "$0;" for commands.
type Delimited struct {
	Prefix string
	Suffix string
}

var (
	// TextFrame is the "S<text>;" framing of text messages.
	TextFrame = Delimited{Prefix: "S", Suffix: ";"}
	// CommandFrame terminates a command with ";".
	CommandFrame = Delimited{Suffix: ";"}
)

// Wrap returns prefix + payload + suffix.
func (d Delimited) Wrap(payload string) string {
	return d.Prefix + payload + d.Suffix
}

// Frames wraps payload and splits it into frames of at most frameSize bytes.
func (d Delimited) Frames(payload string, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	chunks := ChunkText(d.Wrap(payload), frameSize)
	frames := make([][]byte, len(chunks))
	for i, c := range chunks {
		frames[i] = []byte(c)
	}
	return frames
}

// Complete reports whether raw holds a whole message, that is it ends with
// the suffix. Without a suffix any non-empty payload is complete.
func (d Delimited) Complete(raw []byte) bool {
	if d.Suffix == "" {
		return len(raw) > 0
	}
	return bytes.HasSuffix(raw, []byte(d.Suffix))
}

// Strip removes the prefix and suffix from a complete message.
func (d Delimited) Strip(raw []byte) (string, error) {
	if !d.Complete(raw) {
		return "", fmt.Errorf("protocol: message not terminated by %q", d.Suffix)
	}
	msg := strings.TrimSuffix(string(raw), d.Suffix)
	return strings.TrimPrefix(msg, d.Prefix), nil
}

// TextRequest builds an acknowledged write of text framed by d that waits
// for a reply on the same characteristic.
func TextRequest(char string, d Delimited, text string, frameSize int) *ble.Request {
	return ble.NewWriteRequest(char, char, d.Frames(text, frameSize)...)
}
