// Package codec implements the line-delimited frame codec.
//
// The wire format is one JSON-RPC envelope per line: UTF-8 text terminated
// by '\n'. TCP delivers arbitrary byte chunks, so the inbound side buffers
// until a newline arrives and emits exactly one complete frame per
// delimiter, in stream order. No frame is ever split or merged downstream
// of the codec.
//
//	"{"jsonrpc":"2.0",...}\n{"jsonrpc"" ──→ frame 1 emitted, rest buffered
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// Framer splits an inbound byte stream into newline-delimited frames.
// It owns the buffering; callers must not read from r directly once a
// Framer wraps it.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps an inbound byte stream.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one complete frame is available and returns it
// with the line terminator stripped. A partial line truncated by EOF is not
// a frame; the read error is returned instead.
func (f *Framer) ReadFrame() ([]byte, error) {
	line, err := f.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	// Strip the '\n' terminator, tolerating a '\r' before it.
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// EncodeFrame serializes one envelope to a single line and appends exactly
// one newline terminator. json.Marshal never emits raw newlines, so the
// envelope cannot break framing.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
