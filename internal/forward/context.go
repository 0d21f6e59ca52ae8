// Package forward is the core of the gateway: the route planner, the HTTP
// client and SSE utilities, the per-request limit gate, and the value types
// that describe one forwarding attempt. The provider handlers and
// translators live in the forward/handlers and forward/translate
// subpackages; this file holds the shared C2 "protocol types & usage"
// vocabulary every one of them builds on.
package forward

import (
	"math"
	"time"

	"github.com/howard-nolan/llmrouter/internal/config"
)

// Provider re-exports config.Provider so callers outside config don't need
// to import it just to name a dialect.
type Provider = config.Provider

const (
	ProviderOpenAI    = config.ProviderOpenAI
	ProviderAnthropic = config.ProviderAnthropic
	ProviderGemini    = config.ProviderGemini
)

// AuthMode is the outcome of the route planner's auth-mode decision table
// (spec §4.5).
type AuthMode int

const (
	// AuthUnauthorized means a forward_token is configured and the request
	// carried none of the recognized auth headers.
	AuthUnauthorized AuthMode = iota
	// AuthUseConfiguredKey means the request is entitled to use the
	// upstream's own configured API key.
	AuthUseConfiguredKey
	// AuthUseRequestToken means the request's own bearer token should be
	// forwarded upstream verbatim (passthrough).
	AuthUseRequestToken
)

// UpstreamInfo is the resolved upstream an attempt will call.
type UpstreamInfo struct {
	ID        string
	Endpoints []string
	APIStyle  Provider // resolved: defaults to the handler's native style
	APIKey    string
}

// ModelInfo is the resolved model an attempt targets.
type ModelInfo struct {
	ID              string
	UpstreamModelID string // empty means "same as ID"
	Provider        Provider
	IsTemporary     bool
}

// ResolvedModel returns the model id that should actually be sent upstream.
func (m ModelInfo) ResolvedModel() string {
	if m.UpstreamModelID != "" {
		return m.UpstreamModelID
	}
	return m.ID
}

// RequestMeta carries the per-request bookkeeping fields that flow into the
// usage ledger and logs but never affect routing decisions.
type RequestMeta struct {
	RequestID string
	Channel   string // x-ccr-channel, default "web"
	Tool      string // x-ccr-tool, default "unknown"
	SessionID string // derived from headers, default "anonymous"
}

// RetryConfig controls the HTTP client's retry/backoff behavior (C1).
type RetryConfig struct {
	MaxAttempts int
	InitialMs   int
	MaxMs       int
}

// RetryConfigFromSettings builds a RetryConfig from the loaded Settings
// defaults.
func RetryConfigFromSettings(s *config.Settings) RetryConfig {
	return RetryConfig{
		MaxAttempts: s.RetryMaxAttempts,
		InitialMs:   s.RetryInitialMs,
		MaxMs:       s.RetryMaxMs,
	}
}

// ForwardContext is the immutable bundle describing one forwarding attempt.
type ForwardContext struct {
	AuthMode              AuthMode
	RequestToken          string // set when AuthMode == AuthUseRequestToken
	Model                 ModelInfo
	Upstream              UpstreamInfo
	GeminiAPIVersion      string // "v1" or "v1beta", Gemini-only
	Meta                  RequestMeta
	IsStreaming           bool
	Retry                 RetryConfig
	RetryMaxAttemptsOverride *int
}

// EffectiveAPIKey resolves which API key an attempt should present upstream,
// applying the auth-mode decision.
func (c ForwardContext) EffectiveAPIKey() string {
	if c.AuthMode == AuthUseRequestToken {
		return c.RequestToken
	}
	return c.Upstream.APIKey
}

// EffectiveRetryConfig returns c.Retry unless RetryMaxAttemptsOverride caps
// it lower — used when a ForwardPlan has fallbacks, so each attempt in the
// outer loop is a single try.
func (c ForwardContext) EffectiveRetryConfig() RetryConfig {
	r := c.Retry
	if c.RetryMaxAttemptsOverride != nil && *c.RetryMaxAttemptsOverride < r.MaxAttempts {
		r.MaxAttempts = *c.RetryMaxAttemptsOverride
	}
	return r
}

// ForwardPlan is the ordered list of attempts the router will try for one
// request: a primary plus optional fallbacks.
type ForwardPlan struct {
	Primary   ForwardContext
	Fallbacks []ForwardContext
}

// Attempts returns the full attempt sequence, primary first.
func (p ForwardPlan) Attempts() []ForwardContext {
	return append([]ForwardContext{p.Primary}, p.Fallbacks...)
}

// TokenUsage accumulates prompt/completion token counts during a request or
// stream.
type TokenUsage struct {
	Prompt     int64
	Completion int64
}

// Add overwrites u with an authoritative usage reading. Upstream-reported
// usage is a point-in-time total, not a per-event delta to sum — Anthropic's
// message_delta, for instance, reports the whole message's output_tokens
// once, not an increment — so a later authoritative reading replaces the
// prior one (or the char-estimate accumulated before it) rather than being
// combined with it. A zero field in other leaves u's existing value alone,
// since some authoritative events only carry one of prompt/completion.
func (u *TokenUsage) Add(other TokenUsage) {
	if other.Prompt != 0 {
		u.Prompt = other.Prompt
	}
	if other.Completion != 0 {
		u.Completion = other.Completion
	}
}

// Total returns Prompt + Completion.
func (u TokenUsage) Total() int64 { return u.Prompt + u.Completion }

// EstimateTokens is the char-based fallback estimator used whenever an
// upstream omits usage accounting (Non-goal: token-exact counting is out of
// scope — see spec §1).
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64(math.Ceil(float64(len([]rune(s))) / 3.5))
}

// UpstreamResponse is what a provider handler hands back from a successful
// unary call.
type UpstreamResponse struct {
	Status    int
	Body      []byte
	LatencyMs int64
	Usage     TokenUsage
}

// latencyMs is a small helper so handlers/client code measure consistently.
func latencyMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
