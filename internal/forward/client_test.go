package forward

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainSSELinesChunkBoundaryInvariant(t *testing.T) {
	full := "data: {\"a\":1}\ndata: {\"b\":2}\ndata: [DONE]\n"

	var whole SSELineBuffer
	wantLines := whole.DrainSSELines([]byte(full))

	// Split at every possible byte boundary and confirm the concatenation of
	// per-call outputs always equals the whole-buffer output — this is the
	// universally quantified chunk-boundary property from spec §8.4.
	for split := 0; split <= len(full); split++ {
		var b SSELineBuffer
		var got []string
		got = append(got, b.DrainSSELines([]byte(full[:split]))...)
		got = append(got, b.DrainSSELines([]byte(full[split:]))...)
		assert.Equal(t, wantLines, got, "split at %d", split)
	}
}

func TestParseSSEDataAndDone(t *testing.T) {
	payload, ok := ParseSSEData("data: {\"x\":1}")
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, payload)

	payload, ok = ParseSSEData("data:{\"x\":1}")
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, payload)

	_, ok = ParseSSEData("event: message_start")
	assert.False(t, ok)

	assert.True(t, IsSSEDone(" [DONE] "))
	assert.False(t, IsSSEDone(`{"done":true}`))
}

func TestParseJSONResponseFallback(t *testing.T) {
	raw, err := ParseJSONResponse(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	sse := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: [DONE]\n"
	raw, err = ParseJSONResponse(sse)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(raw))

	_, err = ParseJSONResponse("not json at all")
	assert.Error(t, err)
}

func TestNormalizeStreamFlag(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{true, true}, {false, false},
		{"true", true}, {"yes", true}, {"on", true}, {"1", true},
		{"false", false}, {"0", false}, {float64(1), true}, {float64(0), false},
	}
	for _, c := range cases {
		payload := map[string]any{"stream": c.in}
		got := NormalizeStreamFlag(payload)
		assert.Equal(t, c.want, got, "%v", c.in)
		assert.Equal(t, c.want, payload["stream"])
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []int{500, 502, 503, 504, 429}
	for _, s := range retryable {
		assert.True(t, IsRetryable(s), s)
	}
	notRetryable := []int{200, 400, 401, 403, 404, 422}
	for _, s := range notRetryable {
		assert.False(t, IsRetryable(s), s)
	}
}

func TestSendWithRetrySuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := SendWithRetry(context.Background(), srv.Client(), []string{srv.URL}, "/v1/x", http.Header{}, nil,
		RetryConfig{MaxAttempts: 4, InitialMs: 1, MaxMs: 5})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Body))
}

func TestSendWithRetryRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := SendWithRetry(context.Background(), srv.Client(), []string{srv.URL}, "/v1/x", http.Header{}, nil,
		RetryConfig{MaxAttempts: 4, InitialMs: 1, MaxMs: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestSendWithRetryNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	_, err := SendWithRetry(context.Background(), srv.Client(), []string{srv.URL}, "/v1/x", http.Header{}, nil,
		RetryConfig{MaxAttempts: 4, InitialMs: 1, MaxMs: 5})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var fwdErr *Error
	require.ErrorAs(t, err, &fwdErr)
	assert.Equal(t, KindRequestFailed, fwdErr.Kind)
}

func TestSendWithRetryCapsAtMaxAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := SendWithRetry(context.Background(), srv.Client(), []string{srv.URL}, "/v1/x", http.Header{}, nil,
		RetryConfig{MaxAttempts: 3, InitialMs: 1, MaxMs: 5})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDelayMonotonicUpToCap(t *testing.T) {
	retry := RetryConfig{InitialMs: 100, MaxMs: 1000}
	prevBase := 0.0
	for attempt := 0; attempt < 6; attempt++ {
		d := RetryDelay(retry, attempt)
		// Allow for jitter (up to 25%) but the delay must never fall below
		// the previous attempt's un-jittered base once the cap is reached.
		assert.GreaterOrEqual(t, float64(d.Milliseconds()), prevBase)
		assert.LessOrEqual(t, float64(d.Milliseconds()), float64(retry.MaxMs)*1.25)
		base := float64(retry.InitialMs) * float64(int64(1)<<attempt)
		if base > float64(retry.MaxMs) {
			base = float64(retry.MaxMs)
		}
		prevBase = base
	}
}
