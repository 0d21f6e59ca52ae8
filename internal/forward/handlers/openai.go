package handlers

import (
	"context"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/forward/translate"
)

func init() {
	register(&openAIHandler{})
}

// openAIHandler speaks OpenAI's /chat/completions wire format. Note there
// is no "/v1" in the path: the upstream endpoint in config already carries
// whatever version prefix that deployment needs (spec §4.4).
type openAIHandler struct{}

func (h *openAIHandler) Name() forward.Provider { return config.ProviderOpenAI }

func (h *openAIHandler) RequestPath(ctx forward.ForwardContext, streaming bool) string {
	return "/chat/completions"
}

func (h *openAIHandler) BuildHeaders(ctx forward.ForwardContext, streaming bool) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+ctx.EffectiveAPIKey())
	if streaming {
		headers.Set("Accept", "text/event-stream")
	}
	return headers
}

// TransformRequest resolves the outbound model id and, for GLM/Z.ai
// upstreams, applies the field-drop-and-collapse quirk — driven entirely by
// translate.IsGLMUpstream rather than by branching here on upstream.ID.
func (h *openAIHandler) TransformRequest(ctx forward.ForwardContext, payload map[string]any) map[string]any {
	out := translate.FilterToOpenAI(payload, translate.IsGLMUpstream(ctx.Upstream.ID))
	out["model"] = ctx.Model.ResolvedModel()
	return out
}

func (h *openAIHandler) ExtractUsage(resp map[string]any) forward.TokenUsage {
	usage, _ := resp["usage"].(map[string]any)
	return forward.TokenUsage{
		Prompt:     intField(usage, "prompt_tokens"),
		Completion: intField(usage, "completion_tokens"),
	}
}

func (h *openAIHandler) EstimateRequestTokens(payload map[string]any) int64 {
	return estimateMessagesTokens(payload["messages"])
}

// HandleUnary runs a non-streaming call. If the client asked in a different
// dialect than this handler's own (OpenAI), the caller translates before
// calling in, and after receiving back — this handler only ever speaks its
// own native shape on the wire.
func (h *openAIHandler) HandleUnary(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*forward.UpstreamResponse, *forward.Error) {
	return runUnary(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}

// HandleStream issues the streaming call and returns the raw upstream
// response for the caller to drain event-by-event.
func (h *openAIHandler) HandleStream(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*http.Response, *forward.Error) {
	return runStream(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}

func intField(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func estimateMessagesTokens(raw any) int64 {
	messages, ok := raw.([]any)
	if !ok {
		return 0
	}
	var total int64
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch c := msg["content"].(type) {
		case string:
			total += translate.EstimateTokensFromText(c)
		case []any:
			for _, part := range c {
				if pm, ok := part.(map[string]any); ok {
					if text, ok := pm["text"].(string); ok {
						total += translate.EstimateTokensFromText(text)
					}
				}
			}
		}
	}
	return total
}
