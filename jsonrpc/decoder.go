package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single buffered frame.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

const readChunkBytes = 32 * 1024

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrInvalidFrame  = errors.New("frame is not valid JSON")
)

// Decoder reassembles newline-delimited JSON frames from arbitrarily split
// chunks. Bytes after the last newline stay buffered until the next Feed.
// Blank lines are skipped. Lines that are not a single valid JSON value are
// reported to OnInvalid and never returned.
type Decoder struct {
	// OnInvalid, if set, receives every rejected line. The slice is only
	// valid for the duration of the call.
	OnInvalid func(line []byte, err error)

	buf        []byte
	max        int
	discarding bool
}

// NewDecoder returns a decoder that rejects frames longer than maxFrame
// bytes. A non-positive maxFrame selects DefaultMaxFrameBytes.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{max: maxFrame}
}

// Feed consumes chunk and returns every frame it completed, in order.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	var frames []json.RawMessage
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.appendPartial(chunk)
			return frames
		}
		line := chunk[:i]
		chunk = chunk[i+1:]

		if d.discarding {
			// Tail of an oversized frame.
			d.discarding = false
			continue
		}
		if len(d.buf) > 0 {
			d.buf = append(d.buf, line...)
			line = d.buf
		}
		if len(line) > d.max {
			d.reject(line[:d.max], ErrFrameTooLarge)
			d.buf = d.buf[:0]
			continue
		}
		if frame, ok := d.decodeLine(line); ok {
			frames = append(frames, frame)
		}
		d.buf = d.buf[:0]
	}
	return frames
}

// Flush decodes whatever is buffered as a final frame. It is called at end
// of stream, when a peer may have omitted the last newline.
func (d *Decoder) Flush() (json.RawMessage, bool) {
	defer func() {
		d.buf = d.buf[:0]
		d.discarding = false
	}()
	if d.discarding || len(d.buf) == 0 {
		return nil, false
	}
	return d.decodeLine(d.buf)
}

// Buffered returns the number of bytes held for the next frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) appendPartial(chunk []byte) {
	if d.discarding {
		return
	}
	d.buf = append(d.buf, chunk...)
	if len(d.buf) > d.max {
		d.reject(d.buf[:d.max], ErrFrameTooLarge)
		d.buf = d.buf[:0]
		d.discarding = true
	}
}

func (d *Decoder) decodeLine(line []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if !json.Valid(trimmed) {
		d.reject(trimmed, ErrInvalidFrame)
		return nil, false
	}
	frame := make(json.RawMessage, len(trimmed))
	copy(frame, trimmed)
	return frame, true
}

func (d *Decoder) reject(line []byte, err error) {
	if d.OnInvalid != nil {
		d.OnInvalid(line, err)
	}
}

// ReadFrames reads r until EOF, feeding dec and calling fn for each frame.
// io.EOF is not reported as an error.
func ReadFrames(r io.Reader, dec *Decoder, fn func(json.RawMessage)) error {
	buf := make([]byte, readChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				fn(frame)
			}
		}
		if err != nil {
			if frame, ok := dec.Flush(); ok {
				fn(frame)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frames: %w", err)
		}
	}
}
