package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported indicates the ResponseWriter cannot flush
// incrementally, which NDJSON streaming requires.
var ErrStreamingUnsupported = errors.New("streaming not supported by connection")

// Writer frames chunks as newline-delimited JSON on an HTTP response and
// flushes after every chunk so clients see partial output immediately.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for NDJSON streaming and returns a Writer.
// Headers are set here, so no status code may have been written yet.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// Write emits one chunk as a single JSON line and flushes.
// A write failure usually means the client disconnected.
func (w *Writer) Write(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	w.flusher.Flush()
	return nil
}
