package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/forward/handlers"
	"github.com/howard-nolan/llmrouter/internal/forward/translate"
	"github.com/howard-nolan/llmrouter/internal/stream"
)

// canonicalRequestFromClient converts whatever dialect a client sent into
// OpenAI-canonical shape — the form every provider handler's
// TransformRequest expects as input (spec §4.3/§4.4).
func canonicalRequestFromClient(client forward.Provider, payload map[string]any) map[string]any {
	switch client {
	case forward.ProviderAnthropic:
		return translate.RequestAnthropicToOpenAI(payload)
	case forward.ProviderGemini:
		return translate.RequestGeminiToOpenAI(payload)
	default:
		return payload
	}
}

// clientResponseFromNative converts a native-dialect response body back
// into the client's own dialect, composing through OpenAI-canonical shape
// when the two differ (spec §4.3: "anthropic↔gemini = compose via
// openai"). When native equals client no conversion is needed at all.
func clientResponseFromNative(native, client forward.Provider, resp map[string]any) map[string]any {
	if native == client {
		return resp
	}

	var canonical map[string]any
	switch native {
	case forward.ProviderAnthropic:
		canonical = translate.ResponseAnthropicToOpenAI(resp)
	case forward.ProviderGemini:
		canonical = translate.ResponseGeminiToOpenAI(resp)
	default:
		canonical = resp
	}

	switch client {
	case forward.ProviderAnthropic:
		return translate.ResponseOpenAIToAnthropic(canonical)
	case forward.ProviderGemini:
		return translate.ResponseOpenAIToGemini(canonical)
	default:
		return canonical
	}
}

// streamTranslator is the common shape of every stateful SSE translator in
// internal/forward/translate: feed it one native-shaped event, get back zero
// or more client-shaped events.
type streamTranslator interface {
	Next(event map[string]any) []map[string]any
}

// selectStreamTranslator returns the translator for one (native, client)
// dialect pair, or (nil, false) when they match and events should pass
// through untouched. id/model/promptEstimate seed the translators that
// synthesize a response envelope: the Anthropic- and Gemini-sourced
// translators take the model (the Anthropic-sourced ones also the id), while
// the OpenAI-sourced ones reuse what the OpenAI chunks already carry.
func selectStreamTranslator(native, client forward.Provider, id, model string, promptEstimate int64) (streamTranslator, bool) {
	if native == client {
		return nil, false
	}
	switch {
	case native == forward.ProviderOpenAI && client == forward.ProviderAnthropic:
		return translate.NewOpenAIToAnthropicStream(promptEstimate), true
	case native == forward.ProviderAnthropic && client == forward.ProviderOpenAI:
		return translate.NewAnthropicToOpenAIStream(id, model, promptEstimate), true
	case native == forward.ProviderGemini && client == forward.ProviderOpenAI:
		return translate.NewGeminiToOpenAIStream(model, promptEstimate), true
	case native == forward.ProviderOpenAI && client == forward.ProviderGemini:
		return translate.NewOpenAIToGeminiStream(promptEstimate), true
	case native == forward.ProviderAnthropic && client == forward.ProviderGemini:
		return translate.NewAnthropicToGeminiStream(id, model, promptEstimate), true
	case native == forward.ProviderGemini && client == forward.ProviderAnthropic:
		return translate.NewGeminiToAnthropicStream(model, promptEstimate), true
	default:
		return nil, false
	}
}

// eventType pulls the Anthropic-style "type" field off an event, for
// callers building a stream.Frame — only an Anthropic-facing client ever
// needs a named "event:" line (OpenAI and Gemini streams are bare data
// lines, spec §6).
func eventType(client forward.Provider, event map[string]any) string {
	if client != forward.ProviderAnthropic {
		return ""
	}
	t, _ := event["type"].(string)
	return t
}

// doneSentinelFor returns the OpenAI "[DONE]" terminator for an
// OpenAI-facing client, or "" for Anthropic/Gemini, which end a stream by
// simply closing the connection after their last event.
func doneSentinelFor(client forward.Provider) string {
	if client == forward.ProviderOpenAI {
		return stream.DoneSentinel
	}
	return ""
}

// runUnaryAttempts implements the unary fallback loop (spec §4.7): try each
// attempt in plan order, stopping on success, a non-retryable error, or
// after the last attempt. payload is the client's own dialect; it is
// canonicalized once before the loop, each attempt calls its resolved
// handler with its own copy, and the winning response is translated back to
// the client's dialect and logged.
func runUnaryAttempts(ctx context.Context, deps *Deps, clientDialect forward.Provider, plan *forward.ForwardPlan, payload map[string]any) (map[string]any, forward.TokenUsage, *forward.Error) {
	attempts := plan.Attempts()
	canonical := canonicalRequestFromClient(clientDialect, payload)

	deps.Metrics.InFlight.Inc()
	defer deps.Metrics.InFlight.Dec()

	var lastErr *forward.Error
	for i, fctx := range attempts {
		h, err := handlers.ForUpstream(fctx)
		if err != nil {
			lastErr = forward.Wrap(forward.KindUpstreamNotFound, "resolving provider handler", err)
			break
		}

		result, callErr := h.HandleUnary(ctx, deps.UnaryClient, fctx, copyPayload(canonical))
		if callErr == nil {
			var parsed map[string]any
			if jsonErr := json.Unmarshal(result.Body, &parsed); jsonErr != nil {
				return nil, forward.TokenUsage{}, forward.Wrap(forward.KindInternal, "parsing upstream response", jsonErr)
			}

			native := fctx.Upstream.APIStyle
			usage := result.Usage
			if detectFormatMismatch(native, parsed) {
				deps.Log.Warn("forward_format_mismatch", "upstream returned a different wire shape than its configured api_style", "upstream_id", fctx.Upstream.ID, "declared_style", native)
				native = forward.ProviderOpenAI
				if openAI, ok := handlers.Get(forward.ProviderOpenAI); ok {
					usage = openAI.ExtractUsage(parsed)
				}
			}

			deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "ok").Inc()
			deps.Metrics.UpstreamLatency.WithLabelValues(string(fctx.Model.Provider)).Observe(float64(result.LatencyMs) / 1000)
			deps.Latency.Record(fctx.Upstream.ID, result.LatencyMs)

			out := clientResponseFromNative(native, clientDialect, parsed)
			logUsage(deps, fctx, usage)
			return out, usage, nil
		}

		deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "error").Inc()
		lastErr = callErr
		isLast := i == len(attempts)-1
		if isLast || !forward.IsRetryable(statusFromError(callErr)) {
			break
		}
		time.Sleep(forward.RetryDelay(fctx.EffectiveRetryConfig(), i))
	}

	return nil, forward.TokenUsage{}, lastErr
}

// detectFormatMismatch applies spec §4.4's runtime format tolerance: a
// handler whose own native dialect isn't OpenAI may still receive an
// OpenAI-shaped body from a misconfigured upstream.
func detectFormatMismatch(declared forward.Provider, resp map[string]any) bool {
	return declared != forward.ProviderOpenAI && handlers.DetectOpenAIShapedResponse(resp)
}

// statusFromError recovers the HTTP status a *forward.Error implies, for
// the retry-decision table — RequestFailed wraps whatever status the
// upstream actually returned via HTTPStatus(), which already applies the
// Kind→status mapping from spec §7.
func statusFromError(err *forward.Error) int {
	return err.HTTPStatus()
}

// copyPayload gives each fallback attempt its own map so one handler's
// in-place mutations (TransformRequest rewrites payload["model"]) never leak
// into the next attempt's canonical payload.
func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// logUsage computes cost from the resolved model's configured pricing and
// writes one ledger entry. Never called on a failed attempt (spec §7).
func logUsage(deps *Deps, fctx forward.ForwardContext, usage forward.TokenUsage) {
	settings := deps.Store.Get()
	var costUSD float64
	if model, ok := settings.FindModel(fctx.Model.ID); ok {
		costUSD = float64(usage.Prompt)/1000*model.PricePromptPer1K + float64(usage.Completion)/1000*model.PriceCompletionPer1K
	}
	deps.Ledger.LogUsage(fctx.Meta.Channel, fctx.Meta.Tool, fctx.Model.ID, usage.Prompt, usage.Completion, usage.Total(), costUSD, fctx.Upstream.ID)
}
