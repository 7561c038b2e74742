package chat

import "bytes"

// StreamBuffer accumulates raw chunks of a response body and hands out complete lines. Between calls it
// holds at most one incomplete trailing line fragment; splitting happens on '\n' bytes before any
// decoding, so a UTF-8 sequence cut in half by the transport is reassembled before it is turned into text.
type StreamBuffer struct {
	pending []byte
}

// Append adds a chunk to the buffer and returns every line completed by it, in order, without the line
// terminator. A trailing '\r' is dropped as well. The remaining fragment stays buffered for the next call.
func (b *StreamBuffer) Append(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.pending[:i], []byte{'\r'})))
		b.pending = b.pending[i+1:]
	}

	// Reclaim the consumed prefix once nothing is pending.
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// Flush returns the buffered fragment and empties the buffer. The boolean is false when there was
// nothing buffered.
func (b *StreamBuffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.pending, []byte{'\r'}))
	b.pending = nil
	return line, true
}

// Len reports the number of buffered bytes that do not yet form a complete line.
func (b *StreamBuffer) Len() int {
	return len(b.pending)
}
