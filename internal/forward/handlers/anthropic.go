package handlers

import (
	"context"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/forward/translate"
)

func init() {
	register(&anthropicHandler{})
}

type anthropicHandler struct{}

func (h *anthropicHandler) Name() forward.Provider { return config.ProviderAnthropic }

func (h *anthropicHandler) RequestPath(ctx forward.ForwardContext, streaming bool) string {
	return "/v1/messages"
}

// BuildHeaders picks Authorization vs x-api-key based on the upstream's own
// declared api_style, not the caller's dialect: an Anthropic-native
// upstream proxied behind an OpenAI-compatible gateway still wants
// Authorization: Bearer (spec §4.4).
func (h *anthropicHandler) BuildHeaders(ctx forward.ForwardContext, streaming bool) http.Header {
	headers := http.Header{}
	if ctx.Upstream.APIStyle == config.ProviderOpenAI {
		headers.Set("Authorization", "Bearer "+ctx.EffectiveAPIKey())
	} else {
		headers.Set("x-api-key", ctx.EffectiveAPIKey())
	}
	headers.Set("anthropic-version", "2023-06-01")
	if streaming {
		headers.Set("accept", "text/event-stream")
		headers.Set("accept-encoding", "identity")
	}
	return headers
}

// TransformRequest takes an OpenAI-canonical payload (the shape every
// client dialect normalizes to before reaching a handler), converts it to
// Anthropic's messages shape, and applies the Anthropic field allow-list.
func (h *anthropicHandler) TransformRequest(ctx forward.ForwardContext, payload map[string]any) map[string]any {
	out := translate.FilterToAnthropic(translate.RequestOpenAIToAnthropic(payload))
	out["model"] = ctx.Model.ResolvedModel()
	return out
}

func (h *anthropicHandler) ExtractUsage(resp map[string]any) forward.TokenUsage {
	usage, _ := resp["usage"].(map[string]any)

	// message_start nests its usage under "message" instead of carrying it
	// top-level — the only event in the stream that reports input_tokens.
	if message, ok := resp["message"].(map[string]any); ok {
		if nested, ok := message["usage"].(map[string]any); ok {
			usage = nested
		}
	}

	return forward.TokenUsage{
		Prompt:     intField(usage, "input_tokens"),
		Completion: intField(usage, "output_tokens"),
	}
}

func (h *anthropicHandler) EstimateRequestTokens(payload map[string]any) int64 {
	total := estimateMessagesTokens(payload["messages"])
	if sys, ok := payload["system"].(string); ok {
		total += translate.EstimateTokensFromText(sys)
	}
	return total
}

func (h *anthropicHandler) HandleUnary(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*forward.UpstreamResponse, *forward.Error) {
	return runUnary(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}

func (h *anthropicHandler) HandleStream(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*http.Response, *forward.Error) {
	return runStream(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}
