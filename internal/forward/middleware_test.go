package forward

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/config"
)

func TestExtractAuthTokenPriority(t *testing.T) {
	h := http.Header{}
	h.Set("x-api-key", "key-value")
	h.Set("Authorization", "Bearer bearer-value")
	h.Set("x-ccr-forward-token", "forward-value")
	assert.Equal(t, "forward-value", ExtractAuthToken(h))

	h.Del("x-ccr-forward-token")
	assert.Equal(t, "bearer-value", ExtractAuthToken(h))

	h.Del("Authorization")
	assert.Equal(t, "key-value", ExtractAuthToken(h))

	h.Del("x-api-key")
	h.Set("x-goog-api-key", "goog-value")
	assert.Equal(t, "goog-value", ExtractAuthToken(h))
}

func TestDetermineAuthMode(t *testing.T) {
	mode, err := DetermineAuthMode("secret", "")
	require.NotNil(t, err)
	assert.Equal(t, KindUnauthorized, err.Kind)
	assert.Equal(t, AuthUnauthorized, mode)

	mode, err = DetermineAuthMode("secret", "secret")
	require.Nil(t, err)
	assert.Equal(t, AuthUseConfiguredKey, mode)

	mode, err = DetermineAuthMode("secret", "other-token")
	require.Nil(t, err)
	assert.Equal(t, AuthUseRequestToken, mode)

	mode, err = DetermineAuthMode("", "caller-token")
	require.Nil(t, err)
	assert.Equal(t, AuthUseRequestToken, mode)

	mode, err = DetermineAuthMode("", "")
	require.Nil(t, err)
	assert.Equal(t, AuthUseConfiguredKey, mode)
}

func TestExtractRequestMetaDefaults(t *testing.T) {
	meta := ExtractRequestMeta(http.Header{})
	assert.Equal(t, "web", meta.Channel)
	assert.Equal(t, "unknown", meta.Tool)
	assert.Equal(t, "anonymous", meta.SessionID)
	assert.NotEmpty(t, meta.RequestID)
}

func baseSettings() *config.Settings {
	return &config.Settings{
		Upstreams: []config.Upstream{
			{ID: "openai-main", Endpoints: []string{"https://api.openai.com"}, APIKey: "sk-main"},
			{ID: "openai-backup", Endpoints: []string{"https://api.backup.example"}, APIKey: "sk-backup"},
		},
		Models: []config.ModelCfg{
			{ID: "gpt-4o", Provider: config.ProviderOpenAI, UpstreamID: "openai-main", Priority: 10},
			{ID: "gpt-4o-temp", Provider: config.ProviderOpenAI, UpstreamID: "openai-main", Priority: 999, IsTemporary: true},
		},
		EnableRetryFallback: true,
		RetryMaxAttempts:    4,
		RetryInitialMs:      100,
		RetryMaxMs:          1000,
	}
}

func TestBuildForwardPlanResolvesNamedModel(t *testing.T) {
	settings := baseSettings()
	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "gpt-4o"},
	})
	require.Nil(t, err)
	assert.Equal(t, "openai-main", plan.Primary.Upstream.ID)
	assert.Equal(t, "sk-main", plan.Primary.Upstream.APIKey)
	assert.Empty(t, plan.Fallbacks)
}

func TestBuildForwardPlanAutoSkipsTemporaryModels(t *testing.T) {
	settings := baseSettings()
	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "auto"},
	})
	require.Nil(t, err)
	assert.Equal(t, "gpt-4o", plan.Primary.Model.ID)
}

func TestBuildForwardPlanUnknownModel(t *testing.T) {
	settings := baseSettings()
	_, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "does-not-exist"},
	})
	require.NotNil(t, err)
	assert.Equal(t, KindModelNotFound, err.Kind)
}

func TestBuildForwardPlanFallbacksCapAttemptsAtOne(t *testing.T) {
	settings := baseSettings()
	settings.Models = []config.ModelCfg{
		{
			ID: "shared",
			Routes: []config.ModelRoute{
				{Provider: config.ProviderOpenAI, UpstreamID: "openai-main"},
				{Provider: config.ProviderOpenAI, UpstreamID: "openai-backup"},
			},
		},
	}

	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "shared"},
	})
	require.Nil(t, err)
	require.Len(t, plan.Fallbacks, 1)
	require.NotNil(t, plan.Primary.RetryMaxAttemptsOverride)
	assert.Equal(t, 1, *plan.Primary.RetryMaxAttemptsOverride)
	require.NotNil(t, plan.Fallbacks[0].RetryMaxAttemptsOverride)
	assert.Equal(t, 1, *plan.Fallbacks[0].RetryMaxAttemptsOverride)
}

func TestBuildForwardPlanNoFallbackWhenDisabled(t *testing.T) {
	settings := baseSettings()
	settings.EnableRetryFallback = false
	settings.Models = []config.ModelCfg{
		{
			ID: "shared",
			Routes: []config.ModelRoute{
				{Provider: config.ProviderOpenAI, UpstreamID: "openai-main"},
				{Provider: config.ProviderOpenAI, UpstreamID: "openai-backup"},
			},
		},
	}

	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "shared"},
	})
	require.Nil(t, err)
	assert.Empty(t, plan.Fallbacks)
	assert.Nil(t, plan.Primary.RetryMaxAttemptsOverride)
}

func TestBuildForwardPlanProviderHintFiltersRoutes(t *testing.T) {
	settings := baseSettings()
	settings.Models = []config.ModelCfg{
		{
			ID: "cross",
			Routes: []config.ModelRoute{
				{Provider: config.ProviderAnthropic, UpstreamID: "openai-main"},
				{Provider: config.ProviderOpenAI, UpstreamID: "openai-backup"},
			},
		},
	}

	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers:      http.Header{},
		Path:         "/openai/v1/chat/completions",
		Payload:      map[string]any{"model": "cross"},
		ProviderHint: config.ProviderOpenAI,
	})
	require.Nil(t, err)
	assert.Equal(t, config.ProviderOpenAI, plan.Primary.Model.Provider)
	assert.Equal(t, "openai-backup", plan.Primary.Upstream.ID)
}

func TestBuildForwardPlanUnknownUpstreamID(t *testing.T) {
	settings := baseSettings()
	settings.Models = []config.ModelCfg{
		{ID: "broken", Provider: config.ProviderOpenAI, UpstreamID: "missing-upstream"},
	}

	_, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{"model": "broken"},
	})
	require.NotNil(t, err)
	assert.Equal(t, KindUpstreamNotFound, err.Kind)
}

func TestBuildForwardPlanGeminiPathExtractsModel(t *testing.T) {
	settings := baseSettings()
	settings.Upstreams = append(settings.Upstreams, config.Upstream{ID: geminiDefaultUpstreamID, Endpoints: []string{"https://generativelanguage.googleapis.com"}, APIStyle: config.ProviderGemini})
	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers:          http.Header{},
		Path:             "/gemini/v1beta/models/gemini-1.5-flash:generateContent",
		Payload:          map[string]any{},
		ProviderHint:     config.ProviderGemini,
		GeminiAPIVersion: "v1beta",
	})
	require.Nil(t, err)
	assert.Equal(t, "gemini-1.5-flash", plan.Primary.Model.ID)
	assert.Equal(t, geminiDefaultUpstreamID, plan.Primary.Upstream.ID)
}

func TestBuildForwardPlanGeminiStreamingPathForcesStreaming(t *testing.T) {
	settings := baseSettings()
	settings.Upstreams = append(settings.Upstreams, config.Upstream{ID: geminiDefaultUpstreamID, Endpoints: []string{"https://generativelanguage.googleapis.com"}, APIStyle: config.ProviderGemini})
	plan, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers:      http.Header{},
		Path:         "/gemini/v1beta/models/gemini-1.5-flash:streamGenerateContent",
		Payload:      map[string]any{},
		ProviderHint: config.ProviderGemini,
	})
	require.Nil(t, err)
	assert.True(t, plan.Primary.IsStreaming)
}

func TestBuildForwardPlanMissingModel(t *testing.T) {
	settings := baseSettings()
	_, err := BuildForwardPlan(settings, BuildPlanOptions{
		Headers: http.Header{},
		Path:    "/v1/chat/completions",
		Payload: map[string]any{},
	})
	require.NotNil(t, err)
	assert.Equal(t, KindInvalidRequest, err.Kind)
}

func TestExtractGeminiModelFromPath(t *testing.T) {
	model, ok := extractGeminiModelFromPath("/gemini/v1/models/gemini-pro:generateContent")
	require.True(t, ok)
	assert.Equal(t, "gemini-pro", model)

	_, ok = extractGeminiModelFromPath("/v1/chat/completions")
	assert.False(t, ok)
}

func TestSessionIDFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "anonymous", SessionIDFromHeaders(h))
	h.Set("x-ccr-session", "session-123")
	assert.Equal(t, "session-123", SessionIDFromHeaders(h))
}
