// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sse implements a minimal Server-Sent Events reader for
// consuming streamed chat completion responses.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

var doneMarker = []byte("[DONE]")

// Decoder reads SSE events off an io.Reader and yields the data payload
// of each event. Non-data fields (event, id, retry) and comment lines are
// skipped since the chat completions stream only ever carries data.
type Decoder struct {
	scanner *bufio.Scanner
	data    bytes.Buffer
}

// NewDecoder returns a [Decoder] reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)

	// single deltas have been observed well past the default scanner
	// buffer size when tool call arguments carry large payloads
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	return &Decoder{
		scanner: scanner,
	}
}

// Next returns the data payload of the next event. It returns [io.EOF]
// once the stream is exhausted or the terminal "[DONE]" sentinel is read.
// The returned bytes are only valid until the next call to Next.
func (d *Decoder) Next() ([]byte, error) {
	d.data.Reset()

	for d.scanner.Scan() {
		line := d.scanner.Bytes()

		// blank line dispatches the buffered event
		if len(bytes.TrimSpace(line)) == 0 {
			if d.data.Len() == 0 {
				continue
			}

			data := d.data.Bytes()
			if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
				return nil, io.EOF
			}
			return data, nil
		}

		value, ok := dataField(line)
		if !ok {
			continue
		}

		// successive data lines are joined with a newline per the SSE spec
		if d.data.Len() > 0 {
			d.data.WriteByte('\n')
		}
		d.data.Write(value)
	}

	err := d.scanner.Err()
	if err != nil {
		return nil, err
	}

	// stream ended without a trailing blank line
	if d.data.Len() > 0 {
		data := d.data.Bytes()
		if !bytes.Equal(bytes.TrimSpace(data), doneMarker) {
			return data, nil
		}
	}
	return nil, io.EOF
}

func dataField(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}

	// at most one leading space is stripped from the value
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest, true
}
