package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/forward/translate"
)

func init() {
	register(&geminiHandler{})
}

type geminiHandler struct{}

func (h *geminiHandler) Name() forward.Provider { return config.ProviderGemini }

// RequestPath builds .../{version}/models/{model}:generateContent, or
// :streamGenerateContent?alt=sse for streaming, plus a trailing ?key= when
// this upstream authenticates by query key (spec §4.4).
func (h *geminiHandler) RequestPath(ctx forward.ForwardContext, streaming bool) string {
	version := ctx.GeminiAPIVersion
	if version == "" {
		version = "v1beta"
	}
	model := ctx.Model.ResolvedModel()

	var path strings.Builder
	path.WriteByte('/')
	path.WriteString(version)
	path.WriteString("/models/")
	path.WriteString(model)
	if streaming {
		path.WriteString(":streamGenerateContent")
	} else {
		path.WriteString(":generateContent")
	}

	query := url.Values{}
	if streaming {
		query.Set("alt", "sse")
	}
	if usesKeyQuery(ctx) {
		query.Set("key", ctx.EffectiveAPIKey())
	}
	if len(query) > 0 {
		path.WriteByte('?')
		path.WriteString(query.Encode())
	}
	return path.String()
}

// BuildHeaders sends x-goog-api-key (plus the same key in the query string)
// for a googleapis.com-hosted or gemini-declared upstream; anything else
// (an OpenAI-compatible gateway fronting Gemini) gets a bearer token.
func (h *geminiHandler) BuildHeaders(ctx forward.ForwardContext, streaming bool) http.Header {
	headers := http.Header{}
	if usesKeyQuery(ctx) {
		headers.Set("x-goog-api-key", ctx.EffectiveAPIKey())
	} else {
		headers.Set("Authorization", "Bearer "+ctx.EffectiveAPIKey())
	}
	if streaming {
		headers.Set("Accept", "text/event-stream")
	}
	return headers
}

func usesKeyQuery(ctx forward.ForwardContext) bool {
	if ctx.Upstream.APIStyle == config.ProviderGemini {
		return true
	}
	for _, ep := range ctx.Upstream.Endpoints {
		if strings.Contains(ep, "googleapis.com") {
			return true
		}
	}
	return false
}

// TransformRequest takes an OpenAI-canonical payload and converts it into
// Gemini's contents/generationConfig shape; the outbound model id itself
// travels in the URL path rather than the body (RequestPath).
func (h *geminiHandler) TransformRequest(ctx forward.ForwardContext, payload map[string]any) map[string]any {
	return translate.RequestOpenAIToGemini(payload)
}

func (h *geminiHandler) ExtractUsage(resp map[string]any) forward.TokenUsage {
	usage, _ := resp["usageMetadata"].(map[string]any)
	return forward.TokenUsage{
		Prompt:     intField(usage, "promptTokenCount"),
		Completion: intField(usage, "candidatesTokenCount"),
	}
}

// EstimateRequestTokens reads Gemini's own contents/systemInstruction shape
// so a genuinely Gemini-native client request (which has no "messages" key)
// still yields a usable estimate — the dispatch layer calls this on the
// client's own dialect, not the OpenAI-canonical form (spec §4.3).
func (h *geminiHandler) EstimateRequestTokens(payload map[string]any) int64 {
	contents, ok := payload["contents"].([]any)
	if !ok {
		return estimateMessagesTokens(payload["messages"])
	}
	var total int64
	for _, c := range contents {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		total += estimateGeminiParts(cm["parts"])
	}
	if sys, ok := payload["systemInstruction"].(map[string]any); ok {
		total += estimateGeminiParts(sys["parts"])
	}
	return total
}

func estimateGeminiParts(raw any) int64 {
	parts, ok := raw.([]any)
	if !ok {
		return 0
	}
	var total int64
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			total += translate.EstimateTokensFromText(text)
		}
	}
	return total
}

func (h *geminiHandler) HandleUnary(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*forward.UpstreamResponse, *forward.Error) {
	return runUnary(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}

func (h *geminiHandler) HandleStream(ctx context.Context, client *http.Client, fctx forward.ForwardContext, payload map[string]any) (*http.Response, *forward.Error) {
	return runStream(ctx, h, client, fctx, h.TransformRequest(fctx, payload))
}
