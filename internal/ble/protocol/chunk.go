package protocol

import "unicode/utf8"

// DefaultFrameSize is the write payload that fits the default ATT MTU of 23
// bytes (3 bytes of ATT header).
const DefaultFrameSize = 20

// ChunkText splits text into chunks that each fit within maxBytes.
// It prefers splitting at word boundaries (spaces) and never splits
// in the middle of a UTF-8 character. Returns nil for empty text or a
// non-positive maxBytes.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxBytes {
			chunks = append(chunks, text)
			break
		}

		// Walk back from maxBytes to the start of a rune.
		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			// A single rune wider than maxBytes still goes out whole.
			_, size := utf8.DecodeRuneInString(text)
			chunks = append(chunks, text[:size])
			text = text[size:]
			continue
		}

		bestSpace := -1
		for i := split; i > 0; i-- {
			if text[i-1] == ' ' {
				bestSpace = i
				break
			}
		}

		if bestSpace > 0 {
			// Keep the space in the first chunk so reassembly is exact.
			chunks = append(chunks, text[:bestSpace])
			text = text[bestSpace:]
		} else {
			chunks = append(chunks, text[:split])
			text = text[split:]
		}
	}
	return chunks
}

// ChunkBytes splits data into frames of at most maxBytes. Returns nil for
// empty data or a non-positive maxBytes.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := min(maxBytes, len(data))
		frame := make([]byte, n)
		copy(frame, data[:n])
		frames = append(frames, frame)
		data = data[n:]
	}
	return frames
}
