package forward

import (
	"math/rand"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmrouter/internal/config"
)

// ExtractAuthToken pulls the caller's bearer string from whichever
// recognized header is present, in priority order (spec §4.5).
func ExtractAuthToken(h http.Header) string {
	if v := h.Get("x-ccr-forward-token"); v != "" {
		return v
	}
	if v := h.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	if v := h.Get("x-api-key"); v != "" {
		return v
	}
	if v := h.Get("x-goog-api-key"); v != "" {
		return v
	}
	return ""
}

// DetermineAuthMode applies the route planner's auth-mode decision table.
func DetermineAuthMode(forwardToken, requestToken string) (AuthMode, *Error) {
	if forwardToken != "" {
		if requestToken == "" {
			return AuthUnauthorized, NewError(KindUnauthorized, "missing auth token")
		}
		if requestToken == forwardToken {
			return AuthUseConfiguredKey, nil
		}
		return AuthUseRequestToken, nil
	}

	// forward_token unset: passthrough if a token was sent, else degenerate
	// to the configured key (single-tenant convenience mode).
	if requestToken != "" {
		return AuthUseRequestToken, nil
	}
	return AuthUseConfiguredKey, nil
}

// ExtractRequestMeta reads the bookkeeping headers recorded in the usage
// ledger and a freshly minted request id.
func ExtractRequestMeta(h http.Header) RequestMeta {
	channel := h.Get("x-ccr-channel")
	if channel == "" {
		channel = "web"
	}
	tool := h.Get("x-ccr-tool")
	if tool == "" {
		tool = "unknown"
	}
	session := h.Get("x-ccr-session")
	if session == "" {
		session = "anonymous"
	}
	return RequestMeta{
		RequestID: uuid.NewString(),
		Channel:   channel,
		Tool:      tool,
		SessionID: session,
	}
}

// collectModelsForID resolves the model name (or "auto") to the set of
// matching ModelCfg entries, highest priority first.
func collectModelsForID(models []config.ModelCfg, id string) []config.ModelCfg {
	if strings.EqualFold(id, "auto") {
		var best *config.ModelCfg
		for i := range models {
			m := &models[i]
			if m.IsTemporary {
				continue
			}
			if best == nil || m.Priority > best.Priority {
				best = m
			}
		}
		if best == nil {
			return nil
		}
		return []config.ModelCfg{*best}
	}

	var matches []config.ModelCfg
	for _, m := range models {
		if strings.EqualFold(m.ID, id) || (m.DisplayName != "" && strings.EqualFold(m.DisplayName, id)) {
			matches = append(matches, m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })
	return matches
}

// routeCandidate pairs a route with the IsTemporary flag of the model it
// came from, since that flag lives on ModelCfg rather than ModelRoute.
type routeCandidate struct {
	route       config.ModelRoute
	isTemporary bool
}

// resolveRoutesForModels expands each matched model to its routes, or a
// single synthetic route built from the model's own top-level fields.
func resolveRoutesForModels(models []config.ModelCfg) []routeCandidate {
	var candidates []routeCandidate
	for _, m := range models {
		if len(m.Routes) > 0 {
			for _, r := range m.Routes {
				candidates = append(candidates, routeCandidate{route: r, isTemporary: m.IsTemporary})
			}
			continue
		}
		candidates = append(candidates, routeCandidate{
			route: config.ModelRoute{
				Provider:        m.Provider,
				UpstreamID:      m.UpstreamID,
				UpstreamModelID: m.UpstreamModelID,
			},
			isTemporary: m.IsTemporary,
		})
	}
	return candidates
}

// filterRoutesByProvider keeps only candidates matching hint, unless hint is
// empty (no dialect pin — e.g. the unified /v1/chat/completions entry
// point).
func filterRoutesByProvider(candidates []routeCandidate, hint Provider) []routeCandidate {
	if hint == "" {
		return candidates
	}
	var out []routeCandidate
	for _, c := range candidates {
		if c.route.Provider == hint {
			out = append(out, c)
		}
	}
	return out
}

// orderRoutesForAttempts groups routes by explicit priority (descending),
// shuffling within each bucket; if no route carries an explicit priority,
// the whole set is shuffled. Deterministic tie-breaks are deliberately
// avoided so load spreads across equal-priority endpoints.
func orderRoutesForAttempts(candidates []routeCandidate) []routeCandidate {
	hasPriority := false
	for _, c := range candidates {
		if c.route.Priority != nil {
			hasPriority = true
			break
		}
	}

	if !hasPriority {
		out := append([]routeCandidate{}, candidates...)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	buckets := map[int][]routeCandidate{}
	var priorities []int
	for _, c := range candidates {
		p := 0
		if c.route.Priority != nil {
			p = *c.route.Priority
		}
		if _, ok := buckets[p]; !ok {
			priorities = append(priorities, p)
		}
		buckets[p] = append(buckets[p], c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	var out []routeCandidate
	for _, p := range priorities {
		bucket := buckets[p]
		rand.Shuffle(len(bucket), func(i, j int) { bucket[i], bucket[j] = bucket[j], bucket[i] })
		out = append(out, bucket...)
	}
	return out
}

// geminiDefaultUpstreamID/Priority back the synthesized default model used
// when a Gemini path references a model unknown to Settings (spec §4.5's
// "Gemini path quirk", refined per SPEC_FULL.md's supplemented-features
// note: priority 50, not 100, so a real configured model still wins auto
// selection).
const (
	geminiDefaultUpstreamID = "gemini"
	geminiDefaultPriority   = 50
)

// extractGeminiModelFromPath pulls {model} out of a path of the form
// ".../models/{model}:generateContent" or ":streamGenerateContent".
func extractGeminiModelFromPath(path string) (string, bool) {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "", false
	}
	rest := path[idx+len(marker):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	return rest, true
}

// IsGeminiStreamingPath reports whether the path itself signals a streaming
// call (":streamGenerateContent"), independent of any "stream" JSON field.
func IsGeminiStreamingPath(path string) bool {
	return strings.Contains(strings.ToLower(path), "streamgeneratecontent")
}

// BuildPlanOptions bundles everything BuildForwardPlan needs beyond
// Settings: the inbound headers, path, JSON payload, an optional dialect
// pin, and the Gemini API version the route carries the call on.
type BuildPlanOptions struct {
	Headers          http.Header
	Path             string
	Payload          map[string]any
	ProviderHint     Provider
	GeminiAPIVersion string
}

// BuildForwardPlan is the route planner's top-level entry point: it
// authenticates the request, resolves model(s) to an ordered set of routes,
// and assembles a ForwardPlan with a primary attempt and, when
// enable_retry_fallback is set, one fallback per remaining route.
func BuildForwardPlan(settings *config.Settings, opts BuildPlanOptions) (*ForwardPlan, *Error) {
	token := ExtractAuthToken(opts.Headers)
	authMode, authErr := DetermineAuthMode(settings.ForwardToken, token)
	if authErr != nil {
		return nil, authErr
	}

	meta := ExtractRequestMeta(opts.Headers)

	modelID, _ := opts.Payload["model"].(string)
	if modelID == "" && opts.ProviderHint == ProviderGemini {
		if extracted, ok := extractGeminiModelFromPath(opts.Path); ok {
			modelID = extracted
			opts.Payload["model"] = extracted
		}
	}
	if modelID == "" {
		return nil, NewError(KindInvalidRequest, "missing model")
	}
	if strings.EqualFold(modelID, "auto") && opts.ProviderHint != "" {
		// auto + a hinted dialect is nonsensical: the caller pinned a
		// dialect but didn't say which model within it.
		return nil, NewError(KindInvalidRequest, "model=auto is not valid for a pinned-dialect endpoint")
	}

	models := collectModelsForID(settings.Models, modelID)
	if len(models) == 0 && opts.ProviderHint == ProviderGemini {
		models = []config.ModelCfg{{
			ID:          modelID,
			Provider:    ProviderGemini,
			UpstreamID:  geminiDefaultUpstreamID,
			Priority:    geminiDefaultPriority,
			IsTemporary: false,
		}}
	}
	if len(models) == 0 {
		return nil, NewError(KindModelNotFound, "no model matches "+modelID)
	}

	candidates := resolveRoutesForModels(models)
	candidates = filterRoutesByProvider(candidates, opts.ProviderHint)
	if len(candidates) == 0 {
		return nil, NewError(KindModelNotFound, "no routes available for "+modelID+" on the requested dialect")
	}
	candidates = orderRoutesForAttempts(candidates)

	retryCfg := RetryConfigFromSettings(settings)
	isStreaming := NormalizeStreamFlag(opts.Payload)
	if opts.ProviderHint == ProviderGemini && IsGeminiStreamingPath(opts.Path) {
		isStreaming = true
	}

	contexts := make([]ForwardContext, 0, len(candidates))
	for _, c := range candidates {
		route := c.route
		if route.UpstreamID == "" || strings.EqualFold(route.UpstreamID, "auto") {
			return nil, NewError(KindInvalidRequest, "route upstream_id must name a configured upstream, not empty or \"auto\"")
		}
		upstream, ok := settings.FindUpstream(route.UpstreamID)
		if !ok {
			return nil, NewError(KindUpstreamNotFound, "unknown upstream_id "+route.UpstreamID)
		}
		apiStyle := upstream.APIStyle
		if apiStyle == "" {
			apiStyle = route.Provider
		}

		ctx := ForwardContext{
			AuthMode:     authMode,
			RequestToken: token,
			Model: ModelInfo{
				ID:              modelID,
				UpstreamModelID: route.UpstreamModelID,
				Provider:        route.Provider,
				IsTemporary:     c.isTemporary,
			},
			Upstream: UpstreamInfo{
				ID:        upstream.ID,
				Endpoints: upstream.Endpoints,
				APIStyle:  apiStyle,
				APIKey:    upstream.APIKey,
			},
			GeminiAPIVersion: opts.GeminiAPIVersion,
			Meta:             meta,
			IsStreaming:      isStreaming,
			Retry:            retryCfg,
		}
		contexts = append(contexts, ctx)
	}

	plan := &ForwardPlan{Primary: contexts[0]}
	if settings.EnableRetryFallback && len(contexts) > 1 {
		one := 1
		plan.Primary.RetryMaxAttemptsOverride = &one
		for _, c := range contexts[1:] {
			c.RetryMaxAttemptsOverride = &one
			plan.Fallbacks = append(plan.Fallbacks, c)
		}
	}

	return plan, nil
}

// SessionIDFromHeaders returns the same session key the limit gate uses,
// for handlers that need it without going through the full planner.
func SessionIDFromHeaders(h http.Header) string {
	if v := h.Get("x-ccr-session"); v != "" {
		return v
	}
	return "anonymous"
}
