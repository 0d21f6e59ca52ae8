package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/forward/handlers"
	"github.com/howard-nolan/llmrouter/internal/forward/translate"
	"github.com/howard-nolan/llmrouter/internal/stream"
)

// openUpstreamStream resolves the native handler and issues the streaming
// call. Only plan.Primary is ever tried here — no fallback loop, since
// stream state after the first byte is unrecoverable (spec §4.7). A
// failure at this stage happens before any byte reaches the client, so the
// caller can still report it as an ordinary JSON error response. The
// returned latencyMs is time-to-first-byte — the closest a streaming call
// has to the unary path's round-trip latency, since there's no retry to
// amortize across.
func openUpstreamStream(ctx context.Context, deps *Deps, clientDialect forward.Provider, fctx forward.ForwardContext, payload map[string]any) (handlers.Handler, *http.Response, int64, int64, *forward.Error) {
	var promptEstimate int64
	if clientHandler, ok := handlers.Get(clientDialect); ok {
		promptEstimate = clientHandler.EstimateRequestTokens(payload)
	}

	h, err := handlers.ForUpstream(fctx)
	if err != nil {
		return nil, nil, 0, 0, forward.Wrap(forward.KindUpstreamNotFound, "resolving provider handler", err)
	}

	canonical := canonicalRequestFromClient(clientDialect, payload)
	start := time.Now()
	resp, callErr := h.HandleStream(ctx, deps.StreamClient, fctx, canonical)
	latencyMs := time.Since(start).Milliseconds()
	if callErr != nil {
		return nil, nil, 0, 0, callErr
	}
	return h, resp, promptEstimate, latencyMs, nil
}

// drainUpstreamStream reads resp SSE-chunk-by-chunk, translates each native
// event into the client's own dialect, and pushes the result onto frames.
// It always closes frames before returning and sends at most one value on
// errs. Usage is logged once the stream completes — successfully, on a
// mid-stream error, or on client disconnect — with whatever has
// accumulated so far (spec §5's cancellation rule). latencyMs (the
// time-to-first-byte openUpstreamStream measured) is recorded against the
// upstream and the latency histogram at the same point.
func drainUpstreamStream(deps *Deps, h handlers.Handler, fctx forward.ForwardContext, clientDialect forward.Provider, resp *http.Response, promptEstimate, latencyMs int64, frames chan<- stream.Frame, errs chan<- error) {
	defer close(frames)
	defer resp.Body.Close()

	deps.Metrics.UpstreamLatency.WithLabelValues(string(fctx.Model.Provider)).Observe(float64(latencyMs) / 1000)
	deps.Latency.Record(fctx.Upstream.ID, latencyMs)

	native := fctx.Upstream.APIStyle
	translator, hasTranslator := selectStreamTranslator(native, clientDialect, fctx.Meta.RequestID, fctx.Model.ID, promptEstimate)

	usage := forward.TokenUsage{Prompt: promptEstimate}
	authoritative := false

	var buf forward.SSELineBuffer
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			for _, line := range buf.DrainSSELines(chunk[:n]) {
				data, isData := forward.ParseSSEData(line)
				if !isData {
					continue
				}
				if forward.IsSSEDone(data) {
					deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "ok").Inc()
					logUsage(deps, fctx, usage)
					return
				}

				var event map[string]any
				if jsonErr := json.Unmarshal([]byte(data), &event); jsonErr != nil {
					continue
				}

				if extracted := h.ExtractUsage(event); extracted.Total() > 0 {
					authoritative = true
					usage.Add(extracted)
				} else if !authoritative {
					usage.Completion += estimateEventTextTokens(event)
				}

				outEvents := []map[string]any{event}
				if hasTranslator {
					outEvents = translator.Next(event)
				}
				for _, ev := range outEvents {
					select {
					case frames <- stream.Frame{Type: eventType(clientDialect, ev), Data: ev}:
					case <-resp.Request.Context().Done():
						logUsage(deps, fctx, usage)
						return
					}
				}
			}
		}
		if readErr != nil {
			logUsage(deps, fctx, usage)
			if readErr == io.EOF {
				deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "ok").Inc()
				return
			}
			deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "error").Inc()
			errs <- forward.Wrap(forward.KindRequestFailed, "reading upstream stream", readErr)
			return
		}
	}
}

// estimateEventTextTokens is the streaming fallback estimator (spec §4.3):
// when an event carries no authoritative usage, approximate its completion
// token contribution from whatever text-bearing leaves it carries —
// OpenAI's delta.content, Anthropic's content_block_delta.delta.text, or
// Gemini's parts[].text all end up under a "text" or "content" key
// somewhere in the event tree.
func estimateEventTextTokens(event map[string]any) int64 {
	var total int64
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if s, ok := t["text"].(string); ok {
				total += translate.EstimateTokensFromText(s)
			}
			if s, ok := t["content"].(string); ok {
				total += translate.EstimateTokensFromText(s)
			}
			if s, ok := t["reasoning_content"].(string); ok {
				total += translate.EstimateTokensFromText(s)
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(event)
	return total
}
