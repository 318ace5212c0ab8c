package stream

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// Writer renders frames downstream. OpenAI-style framing writes data:
// lines only; Anthropic-style framing writes the event: name line first.
// Each frame is flushed immediately when the underlying writer supports it.
type Writer struct {
	w          io.Writer
	flusher    http.Flusher
	eventNames bool
}

// NewWriter wraps the response writer. eventNames selects Anthropic-style
// framing; pass protocol.Protocol.UsesEventNames().
func NewWriter(w io.Writer, eventNames bool) *Writer {
	wr := &Writer{w: w, eventNames: eventNames}
	if f, ok := w.(http.Flusher); ok {
		wr.flusher = f
	}
	return wr
}

// Write sends one frame and flushes it.
func (w *Writer) Write(chunk protocol.StreamChunk) error {
	if w.eventNames && chunk.Event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", chunk.Event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", chunk.Data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteAll sends frames in order, stopping on the first write error.
func (w *Writer) WriteAll(chunks []protocol.StreamChunk) error {
	for _, c := range chunks {
		if err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
