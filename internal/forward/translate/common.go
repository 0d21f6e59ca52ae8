// Package translate converts chat-completion payloads and stream events
// between the OpenAI, Anthropic, and Gemini wire dialects. Every converter
// works on the wire's own JSON shape (map[string]any / []any) rather than
// typed structs — the whitelist-and-rewrite style of these handlers makes a
// loosely typed representation a better fit than a full dialect-specific
// struct graph, and it matches how the gateway otherwise treats payloads as
// pass-through JSON until a field must be inspected or rewritten.
package translate

import (
	"encoding/json"
	"strings"
)

// Role constants as each dialect spells them.
const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
	roleModel     = "model" // Gemini's spelling of "assistant"
)

// RoleToGemini maps an OpenAI/Anthropic role to Gemini's two-role vocabulary.
// Gemini has no separate tool role: tool results travel as a user-turn
// functionResponse part instead.
func RoleToGemini(role string) string {
	if role == roleAssistant {
		return roleModel
	}
	return roleUser
}

// RoleFromGemini maps Gemini's role back to the OpenAI/Anthropic spelling.
func RoleFromGemini(role string) string {
	if role == roleModel {
		return roleAssistant
	}
	return roleUser
}

// Stop-reason mapping tables (spec §4.3's three-way equivalence).
var stopOpenAIToAnthropic = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "content_filter",
}

var stopAnthropicToOpenAI = map[string]string{
	"end_turn":       "stop",
	"max_tokens":     "length",
	"tool_use":       "tool_calls",
	"content_filter": "content_filter",
	"stop_sequence":  "stop",
}

var stopOpenAIToGemini = map[string]string{
	"stop":           "STOP",
	"length":         "MAX_TOKENS",
	"tool_calls":     "STOP",
	"content_filter": "SAFETY",
}

var stopGeminiToOpenAI = map[string]string{
	"STOP":         "stop",
	"MAX_TOKENS":   "length",
	"SAFETY":       "content_filter",
	"RECITATION":   "content_filter",
	"OTHER":        "stop",
}

func mapStop(table map[string]string, reason string, fallback string) string {
	if reason == "" {
		return ""
	}
	if mapped, ok := table[reason]; ok {
		return mapped
	}
	return fallback
}

// StopReasonOpenAIToAnthropic converts an OpenAI finish_reason.
func StopReasonOpenAIToAnthropic(reason string) string {
	return mapStop(stopOpenAIToAnthropic, reason, "end_turn")
}

// StopReasonAnthropicToOpenAI converts an Anthropic stop_reason.
func StopReasonAnthropicToOpenAI(reason string) string {
	return mapStop(stopAnthropicToOpenAI, reason, "stop")
}

// StopReasonOpenAIToGemini converts an OpenAI finish_reason.
func StopReasonOpenAIToGemini(reason string) string {
	return mapStop(stopOpenAIToGemini, reason, "STOP")
}

// StopReasonGeminiToOpenAI converts a Gemini finishReason.
func StopReasonGeminiToOpenAI(reason string) string {
	return mapStop(stopGeminiToOpenAI, reason, "stop")
}

// isGLMUpstream reports whether an upstream id identifies a GLM/Z.ai
// endpoint, the one data-driven quirk in the OpenAI request translator.
// Exact match only, case-insensitive — an id like "glmcompat-backup" does
// not opt into the quirk.
func isGLMUpstream(upstreamID string) bool {
	return strings.EqualFold(upstreamID, "zai") || strings.EqualFold(upstreamID, "Z.ai")
}

// IsGLMUpstream is the exported form used by the handlers package.
func IsGLMUpstream(upstreamID string) bool { return isGLMUpstream(upstreamID) }

// asMap/asSlice/asString are small defensive accessors: upstream JSON is
// never trusted to match the shape a field name implies.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// marshalArgs re-stringifies a parsed JSON value back to a compact string,
// used when a tool-call's arguments/input/args field crosses from a
// structured dialect (Anthropic `input`, Gemini `args`) to OpenAI's
// string-encoded `arguments`.
func marshalArgs(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// parseArgs parses a string-encoded JSON arguments blob back into a
// structured value, used going the other way (OpenAI string -> Anthropic
// `input` / Gemini `args` object).
func parseArgs(s string) any {
	if s == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return map[string]any{}
	}
	return v
}

// EstimateTokensFromText is the shared char-based estimator
// (ceil(len/3.5)), duplicated here (rather than imported from the forward
// package) to keep translate free of a dependency on its parent — the
// formula is a one-liner and spec-fixed, not a shared abstraction worth a
// cross-package coupling.
func EstimateTokensFromText(s string) int64 {
	if s == "" {
		return 0
	}
	n := float64(len([]rune(s))) / 3.5
	if n != float64(int64(n)) {
		n = float64(int64(n)) + 1
	}
	return int64(n)
}
