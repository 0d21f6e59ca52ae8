package forward

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/llmrouter/internal/config"
)

// NewUnaryClient builds the pooled client used for non-streaming upstream
// calls: 120s total timeout, 10s connect timeout, proxy-aware.
func NewUnaryClient(proxy config.Proxy) (*http.Client, error) {
	return newClient(proxy, 120*time.Second)
}

// NewStreamingClient builds the pooled client used for streaming upstream
// calls: 300s total timeout, same connect timeout and proxy policy.
func NewStreamingClient(proxy config.Proxy) (*http.Client, error) {
	return newClient(proxy, 300*time.Second)
}

func newClient(proxy config.Proxy, timeout time.Duration) (*http.Client, error) {
	proxyFunc, err := buildProxyFunc(proxy)
	if err != nil {
		return nil, fmt.Errorf("resolving proxy: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxyFunc
	transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second}).DialContext

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// ---------------------------------------------------------------------------
// Retry with endpoint rotation (C1)
// ---------------------------------------------------------------------------

// AttemptResult is what SendWithRetry returns on success.
type AttemptResult struct {
	Status    int
	Body      []byte
	LatencyMs int64
}

// SendWithRetry executes a POST against endpoints[i % len(endpoints)] for
// attempt i, retrying on 5xx/429 and transport errors with exponential
// backoff + jitter, per spec §4.1.
func SendWithRetry(ctx context.Context, client *http.Client, endpoints []string, path string, headers http.Header, body []byte, retry RetryConfig) (*AttemptResult, error) {
	if len(endpoints) == 0 {
		return nil, NewError(KindUpstreamNotFound, "no endpoints configured")
	}

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		endpoint := endpoints[attempt%len(endpoints)]
		url := strings.TrimRight(endpoint, "/") + path

		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, Wrap(KindInternal, "building upstream request", err)
		}
		req.Header = headers.Clone()

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, Wrap(KindTimeout, "upstream request timed out", err)
			}
			if attempt == maxAttempts-1 {
				break
			}
			sleepWithJitter(retry, attempt)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		latency := latencyMs(start)
		if readErr != nil {
			lastErr = readErr
			if attempt == maxAttempts-1 {
				break
			}
			sleepWithJitter(retry, attempt)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &AttemptResult{Status: resp.StatusCode, Body: respBody, LatencyMs: latency}, nil
		}

		if !IsRetryable(resp.StatusCode) {
			return nil, &Error{
				Kind:         KindRequestFailed,
				Message:      fmt.Sprintf("upstream returned status %d", resp.StatusCode),
				UpstreamBody: string(respBody),
			}
		}

		lastErr = fmt.Errorf("upstream returned retryable status %d", resp.StatusCode)
		if attempt == maxAttempts-1 {
			return nil, &Error{
				Kind:         KindRequestFailed,
				Message:      fmt.Sprintf("upstream returned status %d after %d attempts", resp.StatusCode, maxAttempts),
				UpstreamBody: string(respBody),
			}
		}
		sleepWithJitter(retry, attempt)
	}

	return nil, Wrap(KindRequestFailed, fmt.Sprintf("upstream request failed after %d attempts", maxAttempts), lastErr)
}

// RetryDelay computes the backoff delay for the given (zero-based) attempt
// index: min(initial * 2^min(attempt,10), max) plus uniform jitter on
// [0, delay/4].
func RetryDelay(retry RetryConfig, attempt int) time.Duration {
	exp := attempt
	if exp > 10 {
		exp = 10
	}
	base := float64(retry.InitialMs) * math.Pow(2, float64(exp))
	if base > float64(retry.MaxMs) {
		base = float64(retry.MaxMs)
	}

	jitterMax := base / 4
	jitter := 0.0
	if jitterMax > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterMax)+1))
		if err == nil {
			jitter = float64(n.Int64())
		}
	}

	return time.Duration(base+jitter) * time.Millisecond
}

func sleepWithJitter(retry RetryConfig, attempt int) {
	time.Sleep(RetryDelay(retry, attempt))
}

// ---------------------------------------------------------------------------
// SSE utilities (C1)
// ---------------------------------------------------------------------------

// SSELineBuffer drains bytes across chunk boundaries into complete lines. It
// is single-owner per stream pipeline (see spec §5's locking note) and
// therefore carries no internal lock.
type SSELineBuffer struct {
	buf bytes.Buffer
}

// DrainSSELines appends chunk to the buffer and extracts every complete
// (\n-terminated) line, stripping an optional trailing \r. Partial trailing
// content stays buffered for the next call.
func (b *SSELineBuffer) DrainSSELines(chunk []byte) []string {
	b.buf.Write(chunk)

	var lines []string
	for {
		data := b.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		b.buf.Next(idx + 1)
	}
	return lines
}

// ParseSSEData returns the remainder of an SSE "data:" line, tolerating one
// leading space after the colon. ok is false if line isn't a data line.
func ParseSSEData(line string) (payload string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	rest = strings.TrimPrefix(rest, " ")
	return rest, true
}

// IsSSEDone reports whether payload is the OpenAI-style stream terminator.
func IsSSEDone(payload string) bool {
	return strings.TrimSpace(payload) == "[DONE]"
}

// ParseJSONResponse tries to parse text as JSON directly; failing that, it
// scans text for "data:" frames and returns the last one that parses; failing
// that, it strips a trailing "[DONE]" marker and retries once more.
func ParseJSONResponse(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	var last json.RawMessage
	for _, line := range strings.Split(text, "\n") {
		payload, ok := ParseSSEData(strings.TrimSpace(line))
		if !ok || IsSSEDone(payload) {
			continue
		}
		if json.Valid([]byte(payload)) {
			last = json.RawMessage(payload)
		}
	}
	if last != nil {
		return last, nil
	}

	stripped := strings.TrimSuffix(trimmed, "[DONE]")
	stripped = strings.TrimSpace(stripped)
	if stripped != "" && json.Valid([]byte(stripped)) {
		return json.RawMessage(stripped), nil
	}

	return nil, NewError(KindInternal, "response was not valid JSON or SSE")
}

// NormalizeStreamFlag coerces payload["stream"] to a boolean, accepting the
// usual truthy/falsy string and numeric spellings. It overwrites the key if
// present and returns the resolved boolean.
func NormalizeStreamFlag(payload map[string]any) bool {
	v, ok := payload["stream"]
	if !ok {
		return false
	}

	result := coerceBool(v)
	payload["stream"] = result
	return result
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true
		default:
			if n, err := strconv.ParseFloat(t, 64); err == nil {
				return n != 0
			}
			return false
		}
	default:
		return false
	}
}
