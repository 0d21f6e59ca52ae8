package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/ledger"
	"github.com/howard-nolan/llmrouter/internal/logging"
	"github.com/howard-nolan/llmrouter/internal/metrics"
)

// newTestServer wires a Server backed by a config file written to a temp
// dir, so every test gets an isolated Store the way a real gateway loads
// one — rather than poking unexported Store fields from outside its package.
func newTestServer(t *testing.T, yamlContent string) (*Server, *Deps) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	store, err := config.NewStore(path)
	require.NoError(t, err)

	deps := &Deps{
		Store:        store,
		Limits:       forward.NewLimitState(ledger.NewMemorySink()),
		Ledger:       ledger.NewMemorySink(),
		Log:          logging.Noop(),
		Metrics:      metrics.New(),
		Latency:      forward.NewLatencyTracker(),
		UnaryClient:  &http.Client{},
		StreamClient: &http.Client{},
	}
	return New(deps), deps
}

func singleUpstreamConfig(upstreamURL string) string {
	return fmt.Sprintf(`
upstreams:
  - id: openai-main
    endpoints: ["%s"]
    api_style: openai
    api_key: test-key

models:
  - id: gpt-4o
    provider: openai
    upstream_id: openai-main
    priority: 10
    price_prompt_per_1k: 0.005
    price_completion_per_1k: 0.015
`, upstreamURL)
}

// Scenario A (spec §8): an OpenAI-dialect client hitting the unified
// /v1/chat/completions endpoint, matched to an openai-native upstream,
// gets back the upstream's body untouched and a successful usage log.
func TestChatCompletionsUnaryOpenAIPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "hi"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
	defer upstream.Close()

	srv, deps := newTestServer(t, singleUpstreamConfig(upstream.URL))

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []any{map[string]any{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "chat.completion", out["object"])

	summary, err := deps.Ledger.SummaryForRange(ledger.RangeDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Requests)
	assert.Equal(t, int64(7), summary.Tokens)
}

// Scenario: an Anthropic-dialect client hitting /anthropic/v1/messages,
// routed to the same openai-native upstream, gets a response translated
// back into Anthropic's own shape.
func TestChatCompletionsCrossDialectUnary(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		// the upstream speaks openai, so by the time this request arrives
		// it must already be openai-canonical: "messages", not "contents".
		_, hasMessages := req["messages"]
		assert.True(t, hasMessages)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-2",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	defer upstream.Close()

	// The /anthropic/* route pins the anthropic provider, so the model is
	// declared under that provider while its upstream still speaks openai.
	yamlContent := fmt.Sprintf(`
upstreams:
  - id: openai-main
    endpoints: ["%s"]
    api_style: openai
    api_key: test-key

models:
  - id: gpt-4o
    provider: anthropic
    upstream_id: openai-main
`, upstream.URL)
	srv, _ := newTestServer(t, yamlContent)

	body, _ := json.Marshal(map[string]any{
		"model":      "gpt-4o",
		"max_tokens": 100,
		"messages":   []any{map[string]any{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "message", out["type"])
	assert.Equal(t, "assistant", out["role"])
}

// Scenario: model not found returns a 404 with the {"error":{...}} envelope
// and never touches the ledger.
func TestChatCompletionsUnknownModel(t *testing.T) {
	srv, deps := newTestServer(t, singleUpstreamConfig("http://unused.example"))

	body, _ := json.Marshal(map[string]any{"model": "does-not-exist", "messages": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotNil(t, out["error"])

	summary, err := deps.Ledger.SummaryForRange(ledger.RangeDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Requests)
}

// Scenario: an invalid JSON body is rejected before any route planning.
func TestChatCompletionsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, singleUpstreamConfig("http://unused.example"))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// Scenario B (spec §8): a retryable upstream failure on the first attempt
// falls over to the second configured route and still returns 200 to the
// client.
func TestChatCompletionsFallsBackOnRetryableFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "overloaded"}})
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-3",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer backup.Close()

	yamlContent := fmt.Sprintf(`
enable_retry_fallback: true
retry_max_attempts: 1
retry_initial_ms: 1
retry_max_ms: 5

upstreams:
  - id: primary
    endpoints: ["%s"]
    api_style: openai
    api_key: key-a
  - id: backup
    endpoints: ["%s"]
    api_style: openai
    api_key: key-b

models:
  - id: shared
    routes:
      - provider: openai
        upstream_id: primary
        priority: 20
      - provider: openai
        upstream_id: backup
        priority: 10
`, primary.URL, backup.URL)

	srv, _ := newTestServer(t, yamlContent)

	body, _ := json.Marshal(map[string]any{"model": "shared", "messages": []any{map[string]any{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "chatcmpl-3", out["id"])
}

// Boundary behaviour (spec §4.6): max_concurrent=0 rejects
// every request for every session, regardless of RPM or budget state.
func TestChatCompletionsZeroConcurrencyRejectsAll(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called when concurrency limit is 0")
	}))
	defer upstream.Close()

	yamlContent := singleUpstreamConfig(upstream.URL) + "\nlimits:\n  max_concurrent: 0\n"
	srv, _ := newTestServer(t, yamlContent)

	body, _ := json.Marshal(map[string]any{"model": "gpt-4o", "messages": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// GET /v1/models projects every configured model into the OpenAI shape.
func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, singleUpstreamConfig("http://unused.example"))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	data, ok := out["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "gpt-4o", data[0].(map[string]any)["id"])
}

// GET /v1/models/{id} for an unknown id returns a 404 error envelope.
func TestGetModelNotFound(t *testing.T) {
	srv, _ := newTestServer(t, singleUpstreamConfig("http://unused.example"))

	req := httptest.NewRequest(http.MethodGet, "/v1/models/nope", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Rotating the forward token returns a new value and persists it — a
// second rotation returns something different again.
func TestRotateForwardToken(t *testing.T) {
	srv, _ := newTestServer(t, singleUpstreamConfig("http://unused.example"))

	req := httptest.NewRequest(http.MethodPost, "/api/forward/token", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var first map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first["forward_token"])

	req2 := httptest.NewRequest(http.MethodPost, "/api/forward/token", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	var second map[string]string
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	assert.NotEqual(t, first["forward_token"], second["forward_token"])
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, singleUpstreamConfig("http://unused.example"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGeminiAPIVersionFromPath(t *testing.T) {
	assert.Equal(t, "v1beta", geminiAPIVersionFromPath("/gemini/v1beta/models/gemini-1.5-pro:generateContent"))
	assert.Equal(t, "v1", geminiAPIVersionFromPath("/gemini/v1/models/gemini-1.5-pro:generateContent"))
	assert.Equal(t, "v1beta", geminiAPIVersionFromPath("/not-gemini"))
}

// sanity check that zero-valued time fields in config don't stall requests
// past test timeouts: exercising the whole stack end to end with a real
// http.Server, since ResponseRecorder never exercises flush timing.
func TestChatCompletionsOverRealListener(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-4", "object": "chat.completion", "model": "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "hi"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, singleUpstreamConfig(upstream.URL))
	listener := httptest.NewServer(srv)
	defer listener.Close()

	body, _ := json.Marshal(map[string]any{"model": "gpt-4o", "messages": []any{map[string]any{"role": "user", "content": "hi"}}})
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(listener.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
