// Package stream moves SSE frames between clients and upstreams: a Scanner
// that splits raw bytes into frames, a Writer that renders frames in the
// client protocol's framing, a Translator that re-encodes frames across
// protocols, and a Passthrough that forwards same-protocol frames while
// harvesting usage for the request log.
package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// maxEventSize bounds a single SSE frame. Deltas carrying inline base64
// payloads can get large.
const maxEventSize = 10 << 20

// Scanner splits an upstream SSE byte stream into frames. It understands
// the event: and data: fields, joins multi-line data with newlines, and
// skips comments and unknown fields. The [DONE] sentinel is delivered as a
// regular frame; decoders own its interpretation.
type Scanner struct {
	s       *bufio.Scanner
	current protocol.StreamChunk
	err     error
	done    bool
}

// NewScanner wraps an upstream body.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxEventSize)
	return &Scanner{s: s}
}

// Next advances to the next frame. It returns false at end of stream or on
// read error; check Err afterwards.
func (sc *Scanner) Next() bool {
	if sc.done {
		return false
	}

	var event string
	var data []string
	for sc.s.Scan() {
		line := sc.s.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				// Frame had no data field (or was a bare keepalive); reset
				// and keep scanning.
				event = ""
				continue
			}
			sc.current = protocol.StreamChunk{Event: event, Data: []byte(strings.Join(data, "\n"))}
			return true
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, trimFieldValue(strings.TrimPrefix(line, "data:")))
		}
	}

	sc.done = true
	sc.err = sc.s.Err()
	if len(data) > 0 {
		// Upstream closed without the trailing blank line; deliver the
		// pending frame anyway.
		sc.current = protocol.StreamChunk{Event: event, Data: []byte(strings.Join(data, "\n"))}
		return true
	}
	return false
}

// Chunk returns the frame read by the last successful Next.
func (sc *Scanner) Chunk() protocol.StreamChunk {
	return sc.current
}

// Err returns the first read error, if any.
func (sc *Scanner) Err() error {
	return sc.err
}

// trimFieldValue strips the single optional space after the field colon,
// preserving any further leading whitespace the payload carries.
func trimFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}
