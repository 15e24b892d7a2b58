// Package wire turns raw provider response bodies into discrete JSON frames.
//
// Both wire variants used by the backends are line-framed: SSE payloads
// arrive as "data: {...}" lines, the local provider emits one JSON object
// per line. The decoder buffers bytes that do not yet form a complete line,
// so frame boundaries are independent of how the network delivers chunks.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"go.uber.org/zap"
)

var dataPrefix = []byte("data: ")

// doneSentinel terminates an SSE stream with no further frames.
var doneSentinel = []byte("[DONE]")

// Decoder yields a lazy, single-pass sequence of JSON frames from a response
// body. It is not restartable and not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	sse    bool
	done   bool
	logger *zap.Logger
}

// NewSSE returns a decoder for Server-Sent-Event bodies. Lines without a
// "data: " prefix are ignored; a literal [DONE] payload exhausts the decoder.
func NewSSE(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{r: bufio.NewReader(r), sse: true, logger: logger}
}

// NewLines returns a decoder for newline-delimited JSON bodies. Empty and
// whitespace-only lines are skipped.
func NewLines(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Next returns the next frame payload. It returns io.EOF once the underlying
// stream ends or the termination sentinel has been observed; any other error
// comes from the reader. Malformed JSON payloads are logged and skipped
// without ending the stream.
func (d *Decoder) Next() ([]byte, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			d.done = true
			return nil, err
		}
		atEOF := err == io.EOF

		payload, ok := d.frame(bytes.TrimSpace(line))
		if ok {
			if d.done {
				// Sentinel observed.
				return nil, io.EOF
			}
			if atEOF {
				d.done = true
			}
			return payload, nil
		}

		if d.done || atEOF {
			d.done = true
			return nil, io.EOF
		}
	}
}

// frame extracts a frame payload from one complete line. The second result is
// false when the line carries no frame (blank, comment, non-data SSE field,
// malformed JSON).
func (d *Decoder) frame(line []byte) ([]byte, bool) {
	if len(line) == 0 {
		return nil, false
	}

	payload := line
	if d.sse {
		if !bytes.HasPrefix(line, dataPrefix) {
			return nil, false
		}
		payload = bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneSentinel) {
			d.done = true
			return nil, true
		}
	}

	if !json.Valid(payload) {
		d.logger.Debug("skipping malformed frame", zap.ByteString("payload", payload))
		return nil, false
	}

	// Copy: the bufio buffer is reused by the next read.
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}
