// Package handlers implements the per-dialect provider handlers (C4): the
// thing that actually knows how to build a URL, sign a request, and speak
// one upstream's wire format. Handlers take OpenAI-canonical input; the
// router converts a client's own dialect into that shape before calling the
// upstream's native handler, and converts the native response back after.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/forward"
)

// Handler is the contract every provider handler satisfies — the Go
// expression of the ProviderHandler trait this behavior is modeled on.
type Handler interface {
	// Name returns the dialect this handler natively speaks.
	Name() forward.Provider

	// RequestPath returns the URL suffix (starting with "/") appended to
	// an upstream endpoint for this call.
	RequestPath(ctx forward.ForwardContext, streaming bool) string

	// BuildHeaders returns the headers to send with the upstream call,
	// beyond Content-Type (which callers set separately).
	BuildHeaders(ctx forward.ForwardContext, streaming bool) http.Header

	// TransformRequest filters and rewrites payload into this handler's
	// native wire shape. Dialects that carry the model in the body get
	// ctx.Model.ResolvedModel() as the outbound "model" field; Gemini's
	// model travels in the URL path instead (RequestPath).
	TransformRequest(ctx forward.ForwardContext, payload map[string]any) map[string]any

	// ExtractUsage reads token usage out of a native-shaped response body.
	ExtractUsage(resp map[string]any) forward.TokenUsage

	// EstimateRequestTokens char-estimates the prompt size of a
	// client-dialect request payload, for use before any authoritative
	// usage is available.
	EstimateRequestTokens(payload map[string]any) int64

	// HandleUnary transforms payload into this handler's native shape and
	// executes it with retry/endpoint-rotation, returning the raw native
	// response body alongside extracted usage.
	HandleUnary(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*forward.UpstreamResponse, *forward.Error)

	// HandleStream transforms payload into this handler's native shape and
	// issues a single streaming call, returning the raw upstream HTTP
	// response for the caller to drain event-by-event. Never retried.
	HandleStream(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*http.Response, *forward.Error)
}

// registry maps each dialect to its native handler. Populated by init() in
// each handler's own file so adding a dialect never means editing this file.
var registry = map[forward.Provider]Handler{}

func register(h Handler) {
	registry[h.Name()] = h
}

// Get returns the native handler for a dialect.
func Get(p forward.Provider) (Handler, bool) {
	h, ok := registry[p]
	return h, ok
}

// ForUpstream resolves the handler that should actually place the HTTP
// call for an attempt: the one matching the upstream's own api_style. The
// caller separately knows the client-facing dialect and decides whether
// request/response translation is needed around this call.
func ForUpstream(ctx forward.ForwardContext) (Handler, error) {
	h, ok := Get(ctx.Upstream.APIStyle)
	if !ok {
		return nil, fmt.Errorf("no handler registered for api_style %q", ctx.Upstream.APIStyle)
	}
	return h, nil
}

// DetectOpenAIShapedResponse reports whether a response body looks like an
// OpenAI chat.completion(.chunk) payload regardless of what dialect asked
// for it — spec §4.4's "runtime format tolerance" for upstreams configured
// as Anthropic or Gemini that actually answer in OpenAI's shape.
func DetectOpenAIShapedResponse(resp map[string]any) bool {
	if obj, ok := resp["object"].(string); ok && (obj == "chat.completion" || obj == "chat.completion.chunk") {
		return true
	}
	_, hasChoices := resp["choices"]
	return hasChoices
}

// runUnary is the shared unary call path every handler's HandleUnary uses:
// marshal the translated payload, send with retry, parse the JSON body.
// Handler-specific pieces (path, headers, auth) come from h.
func runUnary(ctx context.Context, h Handler, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*forward.UpstreamResponse, *forward.Error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, forward.Wrap(forward.KindInternal, "marshaling upstream request", err)
	}

	headers := h.BuildHeaders(fctx, false)
	headers.Set("Content-Type", "application/json")

	result, sendErr := forward.SendWithRetry(ctx, client, fctx.Upstream.Endpoints, h.RequestPath(fctx, false), headers, body, fctx.EffectiveRetryConfig())
	if sendErr != nil {
		var fwdErr *forward.Error
		if asForwardError(sendErr, &fwdErr) {
			return nil, fwdErr
		}
		return nil, forward.Wrap(forward.KindRequestFailed, "upstream call failed", sendErr)
	}

	var parsed map[string]any
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, forward.Wrap(forward.KindInternal, "parsing upstream response", err)
	}

	return &forward.UpstreamResponse{
		Status:    result.Status,
		Body:      result.Body,
		LatencyMs: result.LatencyMs,
		Usage:     h.ExtractUsage(parsed),
	}, nil
}

// runStream issues a single (non-retried) streaming request and returns the
// raw upstream HTTP response for the caller to drain — spec §4.7: streaming
// never uses the fallback loop, since stream state after the first byte is
// unrecoverable.
func runStream(ctx context.Context, h Handler, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*http.Response, *forward.Error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, forward.Wrap(forward.KindInternal, "marshaling upstream request", err)
	}
	if len(fctx.Upstream.Endpoints) == 0 {
		return nil, forward.NewError(forward.KindUpstreamNotFound, "no endpoints configured")
	}

	endpoint := fctx.Upstream.Endpoints[0]
	url := endpoint + h.RequestPath(fctx, true)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, forward.Wrap(forward.KindInternal, "building upstream request", err)
	}
	req.Header = h.BuildHeaders(fctx, true)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, forward.Wrap(forward.KindTimeout, "upstream stream request timed out", err)
		}
		return nil, forward.Wrap(forward.KindRequestFailed, "upstream stream request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return nil, &forward.Error{
			Kind:         forward.KindRequestFailed,
			Message:      fmt.Sprintf("upstream stream returned status %d", resp.StatusCode),
			UpstreamBody: buf.String(),
		}
	}

	return resp, nil
}

// asForwardError is a small errors.As wrapper kept local to avoid importing
// "errors" in every handler file that needs this one check.
func asForwardError(err error, target **forward.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if fe, ok := err.(*forward.Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
