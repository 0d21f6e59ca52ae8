package translate

// openAIAllowList is the field allow-list applied to every OpenAI-bound
// request (spec §4.3). GLM/Z.ai upstreams additionally drop the fields in
// glmDroppedFields.
var openAIAllowList = []string{
	"model", "messages", "max_tokens", "max_completion_tokens", "temperature",
	"top_p", "n", "stream", "stream_options", "stop", "presence_penalty",
	"frequency_penalty", "logit_bias", "user", "tools", "tool_choice",
	"parallel_tool_calls", "response_format", "seed", "logprobs",
	"top_logprobs", "function_call", "functions", "service_tier", "store",
	"reasoning_effort", "metadata",
}

var glmDroppedFields = map[string]bool{
	"metadata": true, "stream_options": true, "logit_bias": true,
	"logprobs": true, "top_logprobs": true, "service_tier": true,
	"store": true, "reasoning_effort": true, "tools": true, "tool_choice": true,
}

var anthropicAllowList = []string{
	"model", "messages", "max_tokens", "stream", "system", "temperature",
	"top_p", "top_k", "stop_sequences", "metadata", "tools", "tool_choice",
	"thinking", "betas",
}

func filterAllowList(payload map[string]any, allow []string, drop map[string]bool) map[string]any {
	out := make(map[string]any, len(allow))
	for _, k := range allow {
		if drop != nil && drop[k] {
			continue
		}
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}

// FilterToOpenAI filters a payload to the fields an OpenAI-dialect upstream
// accepts. When glm is true, the GLM/Z.ai quirks are applied: the dropped
// fields above are removed and multimodal content arrays collapse to
// concatenated text.
func FilterToOpenAI(payload map[string]any, glm bool) map[string]any {
	var drop map[string]bool
	if glm {
		drop = glmDroppedFields
	}
	out := filterAllowList(payload, openAIAllowList, drop)
	if glm {
		if messages, ok := out["messages"].([]any); ok {
			out["messages"] = collapseMultimodalMessages(messages)
		}
	}
	return out
}

func collapseMultimodalMessages(messages []any) []any {
	out := make([]any, 0, len(messages))
	for _, m := range messages {
		msg := asMap(m)
		if msg == nil {
			out = append(out, m)
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			out = append(out, m)
			continue
		}
		var texts []string
		for _, part := range content {
			p := asMap(part)
			if p == nil {
				continue
			}
			if p["type"] == "text" {
				texts = append(texts, asString(p["text"]))
			}
		}
		clone := make(map[string]any, len(msg))
		for k, v := range msg {
			clone[k] = v
		}
		clone["content"] = joinNonEmpty(texts, "\n")
		out = append(out, clone)
	}
	return out
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// FilterToAnthropic filters a payload to the fields an Anthropic-dialect
// upstream accepts, mapping OpenAI's scalar `stop` to Anthropic's
// `stop_sequences` array.
func FilterToAnthropic(payload map[string]any) map[string]any {
	out := filterAllowList(payload, anthropicAllowList, nil)
	if stop, ok := payload["stop"]; ok {
		if _, already := out["stop_sequences"]; !already {
			switch v := stop.(type) {
			case string:
				out["stop_sequences"] = []any{v}
			case []any:
				out["stop_sequences"] = v
			}
		}
	}
	return out
}

// NormalizeThinkingGate reads Anthropic's `thinking` field (absent, bool, or
// object with enabled/enable/type/budget_tokens) and normalizes it to a
// plain boolean. Absence means enabled, matching the upstream default.
func NormalizeThinkingGate(payload map[string]any) bool {
	v, ok := payload["thinking"]
	if !ok {
		return true
	}
	switch t := v.(type) {
	case bool:
		return t
	case map[string]any:
		if enabled, ok := t["enabled"].(bool); ok {
			return enabled
		}
		if enable, ok := t["enable"].(bool); ok {
			return enable
		}
		if typ, ok := t["type"].(string); ok {
			return typ != "disabled"
		}
		return true
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// RequestOpenAIToAnthropic converts an OpenAI-shaped chat-completion request
// into an Anthropic messages request: the system message is lifted out to
// the top-level `system` field, roles/content/tool-calls/tool-results are
// remapped, and the result is passed through FilterToAnthropic.
func RequestOpenAIToAnthropic(payload map[string]any) map[string]any {
	messages := asSlice(payload["messages"])

	var systemParts []string
	var outMessages []any
	for _, m := range messages {
		msg := asMap(m)
		if msg == nil {
			continue
		}
		role := asString(msg["role"])
		if role == roleSystem {
			systemParts = append(systemParts, contentAsText(msg["content"]))
			continue
		}
		outMessages = append(outMessages, openAIMessageToAnthropic(msg))
	}

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["messages"] = outMessages
	if len(systemParts) > 0 {
		out["system"] = joinNonEmpty(systemParts, "\n\n")
	}

	filtered := FilterToAnthropic(out)
	return filtered
}

func openAIMessageToAnthropic(msg map[string]any) map[string]any {
	role := asString(msg["role"])
	if role == roleTool {
		return map[string]any{
			"role": roleUser,
			"content": []any{map[string]any{
				"type":        "tool_result",
				"tool_use_id": asString(msg["tool_call_id"]),
				"content":     contentAsText(msg["content"]),
			}},
		}
	}

	var blocks []any
	switch c := msg["content"].(type) {
	case string:
		if c != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": c})
		}
	case []any:
		for _, part := range c {
			p := asMap(part)
			if p == nil {
				continue
			}
			blocks = append(blocks, openAIContentPartToAnthropic(p))
		}
	}

	if reasoning, ok := msg["reasoning_content"].(string); ok && reasoning != "" {
		blocks = append([]any{map[string]any{"type": "thinking", "thinking": reasoning}}, blocks...)
	}

	for _, tc := range asSlice(msg["tool_calls"]) {
		call := asMap(tc)
		if call == nil {
			continue
		}
		fn := asMap(call["function"])
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    asString(call["id"]),
			"name":  asString(fn["name"]),
			"input": parseArgs(asString(fn["arguments"])),
		})
	}

	return map[string]any{"role": role, "content": blocks}
}

func openAIContentPartToAnthropic(p map[string]any) map[string]any {
	switch asString(p["type"]) {
	case "text":
		return map[string]any{"type": "text", "text": asString(p["text"])}
	case "image_url":
		url := asMap(p["image_url"])
		src := asString(url["url"])
		if mediaType, data, ok := parseDataURL(src); ok {
			return map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			}
		}
		return map[string]any{"type": "text", "text": "[Image] " + src}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

// RequestAnthropicToOpenAI converts an Anthropic messages request into an
// OpenAI-shaped request: top-level `system` becomes a leading system
// message, content blocks and tool_use/tool_result are remapped.
func RequestAnthropicToOpenAI(payload map[string]any) map[string]any {
	var outMessages []any
	if sys, ok := payload["system"].(string); ok && sys != "" {
		outMessages = append(outMessages, map[string]any{"role": roleSystem, "content": sys})
	}

	for _, m := range asSlice(payload["messages"]) {
		msg := asMap(m)
		if msg == nil {
			continue
		}
		outMessages = append(outMessages, anthropicMessageToOpenAI(msg)...)
	}

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["messages"] = outMessages
	delete(out, "system")

	if seqs, ok := payload["stop_sequences"].([]any); ok && len(seqs) > 0 {
		out["stop"] = seqs
	}

	return FilterToOpenAI(out, false)
}

func anthropicMessageToOpenAI(msg map[string]any) []any {
	role := asString(msg["role"])
	blocks := asSlice(msg["content"])

	var textParts []string
	var reasoningParts []string
	var toolCalls []any
	var toolResults []any

	for _, b := range blocks {
		block := asMap(b)
		if block == nil {
			continue
		}
		switch asString(block["type"]) {
		case "text":
			textParts = append(textParts, asString(block["text"]))
		case "thinking":
			reasoningParts = append(reasoningParts, asString(block["thinking"]))
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   asString(block["id"]),
				"type": "function",
				"function": map[string]any{
					"name":      asString(block["name"]),
					"arguments": marshalArgs(block["input"]),
				},
			})
		case "tool_result":
			toolResults = append(toolResults, map[string]any{
				"role":         roleTool,
				"tool_call_id": asString(block["tool_use_id"]),
				"content":      contentAsText(block["content"]),
			})
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}

	out := map[string]any{"role": role}
	if len(textParts) > 0 {
		out["content"] = joinNonEmpty(textParts, "")
	} else {
		out["content"] = nil
	}
	if len(reasoningParts) > 0 {
		out["reasoning_content"] = joinNonEmpty(reasoningParts, "")
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return []any{out}
}

func contentAsText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, part := range c {
			p := asMap(part)
			if p == nil {
				continue
			}
			if t, ok := p["text"].(string); ok {
				parts = append(parts, t)
			}
		}
		return joinNonEmpty(parts, "\n")
	default:
		return ""
	}
}

func parseDataURL(s string) (mediaType, data string, ok bool) {
	const prefix = "data:"
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := s[len(prefix):]
	semicolon := indexByte(rest, ';')
	comma := indexByte(rest, ',')
	if semicolon < 0 || comma < 0 || comma < semicolon {
		return "", "", false
	}
	return rest[:semicolon], rest[comma+1:], true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Unary response translation
// ---------------------------------------------------------------------------

// ResponseOpenAIToAnthropic converts a complete OpenAI chat.completion
// response into an Anthropic messages response.
func ResponseOpenAIToAnthropic(resp map[string]any) map[string]any {
	choices := asSlice(resp["choices"])
	var message map[string]any
	var finishReason string
	if len(choices) > 0 {
		choice := asMap(choices[0])
		message = asMap(choice["message"])
		finishReason = asString(choice["finish_reason"])
	}

	var blocks []any
	if reasoning, ok := message["reasoning_content"].(string); ok && reasoning != "" {
		blocks = append(blocks, map[string]any{"type": "thinking", "thinking": reasoning})
	}
	if text, ok := message["content"].(string); ok && text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range asSlice(message["tool_calls"]) {
		call := asMap(tc)
		fn := asMap(call["function"])
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    asString(call["id"]),
			"name":  asString(fn["name"]),
			"input": parseArgs(asString(fn["arguments"])),
		})
	}

	usage := asMap(resp["usage"])
	out := map[string]any{
		"id":          asString(resp["id"]),
		"type":        "message",
		"role":        "assistant",
		"content":     blocks,
		"model":       asString(resp["model"]),
		"stop_reason": StopReasonOpenAIToAnthropic(finishReason),
		"usage": map[string]any{
			"input_tokens":  jsonNumberToInt(usage["prompt_tokens"]),
			"output_tokens": jsonNumberToInt(usage["completion_tokens"]),
		},
	}
	return out
}

// ResponseAnthropicToOpenAI converts a complete Anthropic messages response
// into an OpenAI chat.completion response.
func ResponseAnthropicToOpenAI(resp map[string]any) map[string]any {
	var textParts, reasoningParts []string
	var toolCalls []any
	for _, b := range asSlice(resp["content"]) {
		block := asMap(b)
		if block == nil {
			continue
		}
		switch asString(block["type"]) {
		case "text":
			textParts = append(textParts, asString(block["text"]))
		case "thinking":
			reasoningParts = append(reasoningParts, asString(block["thinking"]))
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   asString(block["id"]),
				"type": "function",
				"function": map[string]any{
					"name":      asString(block["name"]),
					"arguments": marshalArgs(block["input"]),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": joinNonEmpty(textParts, "")}
	if len(reasoningParts) > 0 {
		message["reasoning_content"] = joinNonEmpty(reasoningParts, "")
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		message["content"] = nil
	}

	usage := asMap(resp["usage"])
	return map[string]any{
		"id":      asString(resp["id"]),
		"object":  "chat.completion",
		"model":   asString(resp["model"]),
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": StopReasonAnthropicToOpenAI(asString(resp["stop_reason"])),
		}},
		"usage": map[string]any{
			"prompt_tokens":     jsonNumberToInt(usage["input_tokens"]),
			"completion_tokens": jsonNumberToInt(usage["output_tokens"]),
			"total_tokens":      jsonNumberToInt(usage["input_tokens"]) + jsonNumberToInt(usage["output_tokens"]),
		},
	}
}

func jsonNumberToInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Streaming translators (stateful, spec §4.3)
// ---------------------------------------------------------------------------

// OpenAIToAnthropicStream holds the small state machine that turns a stream
// of OpenAI chat.completion.chunk events into Anthropic SSE events. One
// instance per in-flight stream; Next is not safe for concurrent use.
type OpenAIToAnthropicStream struct {
	started     bool
	thinkingOn  bool
	textOn      bool
	nextIndex   int
	thinkingIdx int
	textIdx     int
	stopSent    bool
	promptUsage int64
	compUsage   int64
}

// NewOpenAIToAnthropicStream starts a translator with the upfront
// char-estimated prompt token count, overwritten once authoritative usage
// arrives.
func NewOpenAIToAnthropicStream(promptEstimate int64) *OpenAIToAnthropicStream {
	return &OpenAIToAnthropicStream{promptUsage: promptEstimate}
}

// Next translates one OpenAI chunk into zero or more Anthropic SSE events.
func (s *OpenAIToAnthropicStream) Next(chunk map[string]any) []map[string]any {
	var events []map[string]any

	if !s.started {
		s.started = true
		events = append(events, map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      asString(chunk["id"]),
				"type":    "message",
				"role":    "assistant",
				"content": []any{},
				"model":   asString(chunk["model"]),
				"usage":   map[string]any{"input_tokens": s.promptUsage, "output_tokens": 0},
			},
		})
	}

	choices := asSlice(chunk["choices"])
	if len(choices) == 0 {
		return events
	}
	choice := asMap(choices[0])
	delta := asMap(choice["delta"])

	if reasoning, ok := delta["reasoning_content"].(string); ok && reasoning != "" && !s.textOn {
		if !s.thinkingOn {
			s.thinkingOn = true
			s.thinkingIdx = s.nextIndex
			s.nextIndex++
			events = append(events, map[string]any{
				"type":  "content_block_start",
				"index": s.thinkingIdx,
				"content_block": map[string]any{"type": "thinking", "thinking": ""},
			})
		}
		s.compUsage += EstimateTokensFromText(reasoning)
		events = append(events, map[string]any{
			"type":  "content_block_delta",
			"index": s.thinkingIdx,
			"delta": map[string]any{"type": "thinking_delta", "thinking": reasoning},
		})
	}

	if text, ok := delta["content"].(string); ok && text != "" {
		if s.thinkingOn {
			events = append(events, map[string]any{"type": "content_block_stop", "index": s.thinkingIdx})
			s.thinkingOn = false
		}
		if !s.textOn {
			s.textOn = true
			s.textIdx = s.nextIndex
			s.nextIndex++
			events = append(events, map[string]any{
				"type":  "content_block_start",
				"index": s.textIdx,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
		}
		s.compUsage += EstimateTokensFromText(text)
		events = append(events, map[string]any{
			"type":  "content_block_delta",
			"index": s.textIdx,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
	}

	if usage := asMap(chunk["usage"]); usage != nil {
		if v := jsonNumberToInt(usage["prompt_tokens"]); v > 0 {
			s.promptUsage = v
		}
		if v := jsonNumberToInt(usage["completion_tokens"]); v > 0 {
			s.compUsage = v
		}
	}

	if finish := asString(choice["finish_reason"]); finish != "" && !s.stopSent {
		s.stopSent = true
		if s.thinkingOn {
			events = append(events, map[string]any{"type": "content_block_stop", "index": s.thinkingIdx})
			s.thinkingOn = false
		}
		if s.textOn {
			events = append(events, map[string]any{"type": "content_block_stop", "index": s.textIdx})
			s.textOn = false
		}
		events = append(events,
			map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": StopReasonOpenAIToAnthropic(finish)},
				"usage": map[string]any{"output_tokens": s.compUsage},
			},
			map[string]any{"type": "message_stop"},
		)
	}

	return events
}

// AnthropicToOpenAIStream turns Anthropic SSE events into OpenAI
// chat.completion.chunk events.
type AnthropicToOpenAIStream struct {
	roleSent    bool
	id          string
	model       string
	promptUsage int64
	compUsage   int64
}

// NewAnthropicToOpenAIStream starts a translator carrying the id/model the
// first role-bearing chunk will echo.
func NewAnthropicToOpenAIStream(id, model string, promptEstimate int64) *AnthropicToOpenAIStream {
	return &AnthropicToOpenAIStream{id: id, model: model, promptUsage: promptEstimate}
}

// Next translates one Anthropic SSE event into zero or more OpenAI chunks.
func (s *AnthropicToOpenAIStream) Next(event map[string]any) []map[string]any {
	var chunks []map[string]any

	emitRoleIfNeeded := func() {
		if !s.roleSent {
			s.roleSent = true
			chunks = append(chunks, s.baseChunk(map[string]any{"role": "assistant", "content": ""}, ""))
		}
	}

	switch asString(event["type"]) {
	case "message_start":
		if msg := asMap(event["message"]); msg != nil {
			if v, ok := msg["id"].(string); ok {
				s.id = v
			}
			if v, ok := msg["model"].(string); ok {
				s.model = v
			}
			if usage := asMap(msg["usage"]); usage != nil {
				if v := jsonNumberToInt(usage["input_tokens"]); v > 0 {
					s.promptUsage = v
				}
			}
		}
		emitRoleIfNeeded()

	case "content_block_delta":
		emitRoleIfNeeded()
		delta := asMap(event["delta"])
		switch asString(delta["type"]) {
		case "text_delta":
			text := asString(delta["text"])
			s.compUsage += EstimateTokensFromText(text)
			chunks = append(chunks, s.baseChunk(map[string]any{"content": text}, ""))
		case "thinking_delta":
			text := asString(delta["thinking"])
			s.compUsage += EstimateTokensFromText(text)
			chunks = append(chunks, s.baseChunk(map[string]any{"reasoning_content": text}, ""))
		}

	case "message_delta":
		delta := asMap(event["delta"])
		reason := asString(delta["stop_reason"])
		if usage := asMap(event["usage"]); usage != nil {
			if v := jsonNumberToInt(usage["output_tokens"]); v > 0 {
				s.compUsage = v
			}
		}
		chunk := s.baseChunk(map[string]any{}, StopReasonAnthropicToOpenAI(reason))
		chunk["usage"] = map[string]any{
			"prompt_tokens":     s.promptUsage,
			"completion_tokens": s.compUsage,
			"total_tokens":      s.promptUsage + s.compUsage,
		}
		chunks = append(chunks, chunk)
	}

	return chunks
}

func (s *AnthropicToOpenAIStream) baseChunk(delta map[string]any, finishReason string) map[string]any {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"model":   s.model,
		"choices": []any{choice},
	}
}
