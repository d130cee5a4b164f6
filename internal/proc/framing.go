// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Framing selects the wire framing used on a connector's stdio pipes.
type Framing int

const (
	// FramingNDJSON is newline-delimited JSON, one document per line.
	// This is the default.
	FramingNDJSON Framing = iota

	// FramingContentLength is a Content-Length header line, a blank
	// line, then exactly that many bytes of JSON payload.
	FramingContentLength
)

func (f Framing) String() string {
	if f == FramingContentLength {
		return "content-length"
	}
	return "ndjson"
}

// EncodeFrame wraps a JSON payload in the given framing.
func EncodeFrame(mode Framing, payload []byte) []byte {
	if mode == FramingContentLength {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
		out := make([]byte, 0, len(header)+len(payload))
		out = append(out, header...)
		return append(out, payload...)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, '\n')
}

// Decoder extracts complete frames from a growing byte stream. Partial
// frames stay buffered until more input arrives; a parsed frame is
// consumed from the front of the buffer. Safe for one writer and one
// reader goroutine.
type Decoder struct {
	mu   sync.Mutex
	mode Framing
	buf  []byte
}

// NewDecoder creates a decoder in the given framing mode.
func NewDecoder(mode Framing) *Decoder {
	return &Decoder{mode: mode}
}

// Reset switches framing mode and discards any buffered bytes, used
// when the handshake falls back to the alternate framing.
func (d *Decoder) Reset(mode Framing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	d.buf = nil
}

// Feed appends raw bytes from the stream.
func (d *Decoder) Feed(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or ErrIncompleteFrame when the
// buffer does not hold one yet. A malformed length-prefixed header is
// skipped and reported; the reader loop drops it and continues.
func (d *Decoder) Next() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == FramingContentLength {
		return d.nextContentLength()
	}
	return d.nextLine()
}

// nextLine pops one newline-terminated document. Blank lines are
// skipped.
func (d *Decoder) nextLine() ([]byte, error) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return nil, ErrIncompleteFrame
		}
		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
}

// nextContentLength pops one length-prefixed frame. Both \r\n\r\n and
// \n\n header terminators are accepted.
func (d *Decoder) nextContentLength() ([]byte, error) {
	headerEnd, bodyStart := findHeaderEnd(d.buf)
	if headerEnd < 0 {
		return nil, ErrIncompleteFrame
	}

	length, err := parseContentLength(d.buf[:headerEnd])
	if err != nil {
		// Skip the malformed header block so the stream can resync.
		d.buf = d.buf[bodyStart:]
		return nil, err
	}

	if len(d.buf)-bodyStart < length {
		return nil, ErrIncompleteFrame
	}

	frame := make([]byte, length)
	copy(frame, d.buf[bodyStart:bodyStart+length])
	d.buf = d.buf[bodyStart+length:]
	return frame, nil
}

// findHeaderEnd locates the header terminator, returning the header
// length and the body offset, or (-1, -1) when no terminator is
// present.
func findHeaderEnd(buf []byte) (headerEnd, bodyStart int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return crlf, crlf + 4
	case lf >= 0:
		return lf, lf + 2
	default:
		return -1, -1
	}
}

// parseContentLength extracts the Content-Length value from a header
// block.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("proc: bad Content-Length %q", strings.TrimSpace(value))
		}
		return n, nil
	}
	return 0, fmt.Errorf("proc: missing Content-Length header")
}
