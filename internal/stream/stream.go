// Package stream handles writing a sequence of already-dialect-shaped SSE
// events to an http.ResponseWriter. Events arrive pre-built by the router —
// the client's own native chunks, or chunks that already passed through a
// forward/translate stateful translator — so this package only frames and
// flushes, it never knows about dialects itself.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DoneSentinel is OpenAI's "data: [DONE]\n\n" stream terminator. Anthropic
// and Gemini streams end by simply closing the connection after their last
// event (message_stop / the final candidate), so callers pass "" for those
// dialects instead.
const DoneSentinel = "[DONE]"

// Frame is one SSE event: an optional named "event:" line plus the "data:"
// payload. Named events are how Anthropic's wire format distinguishes
// message_start/content_block_delta/message_stop on the same connection;
// OpenAI and Gemini only ever send bare "data:" lines, so Type stays empty
// for those.
type Frame struct {
	Type string
	Data map[string]any
}

// WriteSSE sets the SSE headers, then reads frames from the channel and
// writes each, flushing after every write so the client sees tokens as they
// arrive instead of only once the handler returns.
//
// If sentinel is non-empty, one final "data: {sentinel}\n\n" line is sent
// once frames closes (OpenAI's [DONE] convention). A value received on errs
// stops the loop: since headers (and possibly prior frames) are already on
// the wire, the status code can't change, so the only recourse is to emit
// one final "event: error" frame and close (spec's user-visible-failure
// rule for mid-stream errors).
func WriteSSE(w http.ResponseWriter, frames <-chan Frame, errs <-chan error, sentinel string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						writeFrame(w, flusher, Frame{Type: "error", Data: map[string]any{"error": err.Error()}})
						return err
					}
				default:
				}
				if sentinel != "" {
					if _, err := fmt.Fprintf(w, "data: %s\n\n", sentinel); err != nil {
						return fmt.Errorf("writing sse done marker: %w", err)
					}
					flusher.Flush()
				}
				return nil
			}
			if err := writeFrame(w, flusher, frame); err != nil {
				return err
			}
		case err := <-errs:
			if err != nil {
				writeFrame(w, flusher, Frame{Type: "error", Data: map[string]any{"error": err.Error()}})
				return err
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame Frame) error {
	body, err := json.Marshal(frame.Data)
	if err != nil {
		return fmt.Errorf("marshaling sse event: %w", err)
	}
	if frame.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", frame.Type); err != nil {
			return fmt.Errorf("writing sse event line: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("writing sse data line: %w", err)
	}
	flusher.Flush()
	return nil
}
