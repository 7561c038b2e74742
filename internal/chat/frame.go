package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// FrameKind classifies a single line of the event stream.
type FrameKind int

const (
	// FrameIgnored is a line that carries no event: a blank separator, an "event:" or "id:" field, a
	// comment, or anything else without the data prefix.
	FrameIgnored FrameKind = iota
	// FrameDelta is a well-formed data payload. Its Content may be empty when the payload has no
	// "content" string field, which makes it a no-op for the accumulator.
	FrameDelta
	// FrameDone is the "[DONE]" sentinel.
	FrameDone
	// FrameMalformed is a data payload that is not valid JSON.
	FrameMalformed
)

func (k FrameKind) String() string {
	switch k {
	case FrameIgnored:
		return "ignored"
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	case FrameMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is a decoded line of the event stream.
type Frame struct {
	Kind FrameKind
	// Content is the text delta of a FrameDelta.
	Content string
	// Line is the raw line, kept for diagnostics of FrameMalformed.
	Line string
	// Err is the JSON error of a FrameMalformed.
	Err error
}

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// DefaultChunkSize is the read size used when a Config leaves ChunkSize unset.
	DefaultChunkSize = 4096
)

// ParseLine decodes a single complete line of the event stream.
func ParseLine(line string) Frame {
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{Kind: FrameIgnored, Line: line}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		return Frame{Kind: FrameDone, Line: line}
	}

	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Frame{Kind: FrameMalformed, Line: line, Err: err}
	}

	// Only a string "content" field of an object counts. Anything else is a well-formed no-op.
	f := Frame{Kind: FrameDelta, Line: line}
	if obj, ok := v.(map[string]any); ok {
		if content, ok := obj["content"].(string); ok {
			f.Content = content
		}
	}
	return f
}

// Decode reads r sequentially in chunks of chunkSize bytes and yields a frame for every data line, in
// stream order. Each chunk is split and fully processed before the next one is read. Ignored lines are
// not yielded. Iteration ends after a FrameDone without reading further input, at end of stream, or with
// the first read error, which is yielded together with a zero Frame.
//
// A fragment left unterminated at end of stream is decoded as a final line.
func Decode(r io.Reader, chunkSize int) iter.Seq2[Frame, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return func(yield func(Frame, error) bool) {
		var sb StreamBuffer
		chunk := make([]byte, chunkSize)

		emit := func(line string) (cont bool) {
			f := ParseLine(line)
			if f.Kind == FrameIgnored {
				return true
			}
			if !yield(f, nil) {
				return false
			}
			return f.Kind != FrameDone
		}

		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for _, line := range sb.Append(chunk[:n]) {
					if !emit(line) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				if line, ok := sb.Flush(); ok {
					emit(line)
				}
				return
			}
			yield(Frame{}, err)
			return
		}
	}
}
