package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopReasonRoundTrips(t *testing.T) {
	for _, reason := range []string{"stop", "length", "tool_calls", "content_filter"} {
		anth := StopReasonOpenAIToAnthropic(reason)
		back := StopReasonAnthropicToOpenAI(anth)
		assert.Equal(t, reason, back, "openai->anthropic->openai for %q", reason)
	}

	for _, reason := range []string{"stop", "length", "content_filter"} {
		gem := StopReasonOpenAIToGemini(reason)
		back := StopReasonGeminiToOpenAI(gem)
		assert.Equal(t, reason, back, "openai->gemini->openai for %q", reason)
	}
}

func TestIsGLMUpstream(t *testing.T) {
	assert.True(t, IsGLMUpstream("zai"))
	assert.True(t, IsGLMUpstream("Z.AI"))
	assert.False(t, IsGLMUpstream("glmcompat-backup"))
	assert.False(t, IsGLMUpstream("openai-main"))
}

func TestFilterToOpenAIDropsUnknownFields(t *testing.T) {
	payload := map[string]any{
		"model":       "gpt-4o",
		"messages":    []any{},
		"unknown_key": "should be dropped",
		"metadata":    map[string]any{"k": "v"},
	}
	out := FilterToOpenAI(payload, false)
	_, hasUnknown := out["unknown_key"]
	assert.False(t, hasUnknown)
	assert.Contains(t, out, "metadata")
}

func TestFilterToOpenAIGLMDropsQuirkFieldsAndCollapsesContent(t *testing.T) {
	payload := map[string]any{
		"model":    "glm-4",
		"metadata": map[string]any{"k": "v"},
		"tools":    []any{"tool"},
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "hello"},
					map[string]any{"type": "text", "text": "world"},
				},
			},
		},
	}
	out := FilterToOpenAI(payload, true)
	assert.NotContains(t, out, "metadata")
	assert.NotContains(t, out, "tools")
	messages := out["messages"].([]any)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "hello\nworld", msg["content"])
}

func TestRequestOpenAIToAnthropicLiftsSystemMessage(t *testing.T) {
	payload := map[string]any{
		"model": "claude-3",
		"messages": []any{
			map[string]any{"role": "system", "content": "be nice"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"max_tokens": float64(100),
	}
	out := RequestOpenAIToAnthropic(payload)
	assert.Equal(t, "be nice", out["system"])
	messages := out["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
}

func TestRequestOpenAIToAnthropicToolCallRoundTrip(t *testing.T) {
	payload := map[string]any{
		"messages": []any{
			map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []any{
					map[string]any{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "get_weather",
							"arguments": `{"city":"sf"}`,
						},
					},
				},
			},
		},
	}
	anth := RequestOpenAIToAnthropic(payload)
	messages := anth["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	blocks := msg["content"].([]any)
	require.Len(t, blocks, 1)
	block := blocks[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_weather", block["name"])
	assert.Equal(t, map[string]any{"city": "sf"}, block["input"])

	back := RequestAnthropicToOpenAI(anth)
	backMessages := back["messages"].([]any)
	require.Len(t, backMessages, 1)
	backMsg := backMessages[0].(map[string]any)
	toolCalls := backMsg["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)
	call := toolCalls[0].(map[string]any)
	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city":"sf"}`, fn["arguments"].(string))
}

func TestNormalizeThinkingGate(t *testing.T) {
	assert.True(t, NormalizeThinkingGate(map[string]any{}))
	assert.True(t, NormalizeThinkingGate(map[string]any{"thinking": true}))
	assert.False(t, NormalizeThinkingGate(map[string]any{"thinking": false}))
	assert.False(t, NormalizeThinkingGate(map[string]any{"thinking": map[string]any{"enabled": false}}))
	assert.True(t, NormalizeThinkingGate(map[string]any{"thinking": map[string]any{"type": "enabled"}}))
}

func TestResponseOpenAIToAnthropicRoundTrip(t *testing.T) {
	resp := map[string]any{
		"id":    "resp_1",
		"model": "gpt-4o",
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "hello there"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": float64(10), "completion_tokens": float64(5)},
	}
	anth := ResponseOpenAIToAnthropic(resp)
	assert.Equal(t, "end_turn", anth["stop_reason"])
	blocks := anth["content"].([]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello there", blocks[0].(map[string]any)["text"])

	back := ResponseAnthropicToOpenAI(anth)
	choices := back["choices"].([]any)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	msg := choice["message"].(map[string]any)
	assert.Equal(t, "hello there", msg["content"])
}

func TestOpenAIToAnthropicStreamSuppressesThinkingAfterText(t *testing.T) {
	s := NewOpenAIToAnthropicStream(0)

	events := s.Next(map[string]any{
		"id":    "c1",
		"model": "gpt-4o",
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": "hi"}},
		},
	})
	assertHasEventType(t, events, "content_block_start")

	moreEvents := s.Next(map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"reasoning_content": "late thought"}},
		},
	})
	for _, e := range moreEvents {
		assert.NotEqual(t, "thinking_delta", deltaType(e))
	}
}

func TestOpenAIToAnthropicStreamEmitsMessageStopOnce(t *testing.T) {
	s := NewOpenAIToAnthropicStream(0)
	s.Next(map[string]any{"id": "c1", "model": "gpt-4o", "choices": []any{
		map[string]any{"delta": map[string]any{"content": "hi"}},
	}})

	first := s.Next(map[string]any{"choices": []any{
		map[string]any{"delta": map[string]any{}, "finish_reason": "stop"},
	}})
	assertHasEventType(t, first, "message_stop")

	second := s.Next(map[string]any{"choices": []any{
		map[string]any{"delta": map[string]any{}, "finish_reason": "stop"},
	}})
	assertNoEventType(t, second, "message_stop")
}

func TestGeminiToOpenAIStreamFansOutMultipleParts(t *testing.T) {
	s := NewGeminiToOpenAIStream("gemini-1.5-flash", 10)
	chunks := s.Next(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"text": "part one"},
						map[string]any{"text": "part two"},
					},
				},
			},
		},
	})
	// role chunk + two text chunks
	require.Len(t, chunks, 3)
}

func assertHasEventType(t *testing.T, events []map[string]any, eventType string) {
	t.Helper()
	for _, e := range events {
		if e["type"] == eventType {
			return
		}
	}
	t.Fatalf("expected an event of type %q, got %v", eventType, events)
}

func assertNoEventType(t *testing.T, events []map[string]any, eventType string) {
	t.Helper()
	for _, e := range events {
		if e["type"] == eventType {
			t.Fatalf("unexpected event of type %q", eventType)
		}
	}
}

func deltaType(event map[string]any) string {
	delta, ok := event["delta"].(map[string]any)
	if !ok {
		return ""
	}
	return asString(delta["type"])
}
