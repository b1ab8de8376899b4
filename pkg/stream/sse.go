package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// Writer frames chunks as server-sent events on an HTTP response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for server-sent events: it sets the SSE headers and
// verifies the writer can flush. X-Accel-Buffering disables proxy buffering
// so tokens reach the client as they are produced.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one chunk as a `data: {json}` frame and flushes it.
func (sw *Writer) Send(chunk Chunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode stream chunk: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write stream chunk: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Pump forwards chunks until the channel closes or ctx is cancelled, and
// returns the first write error. A cancelled ctx returns ctx.Err() so the
// caller can distinguish client disconnect from producer completion.
func (sw *Writer) Pump(ctx context.Context, chunks <-chan Chunk) error {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := sw.Send(chunk); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
