package translate

import "strings"

// geminiGenerationConfigAllowList is the whitelist applied inside
// generationConfig once the top-level Gemini allow-list has been applied.
var geminiGenerationConfigAllowList = []string{
	"maxOutputTokens", "temperature", "topP", "topK", "stopSequences",
	"candidateCount", "presencePenalty", "frequencyPenalty", "responseMimeType",
	"responseSchema",
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// RequestOpenAIToGemini converts an OpenAI-shaped request into a Gemini
// generateContent request.
func RequestOpenAIToGemini(payload map[string]any) map[string]any {
	messages := asSlice(payload["messages"])

	var systemParts []string
	var contents []any
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
		contents = append(contents, openAIMessageToGemini(msg))
	}

	genConfig := map[string]any{}
	if v, ok := payload["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	if v, ok := payload["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := payload["top_p"]; ok {
		genConfig["topP"] = v
	}
	if stop, ok := payload["stop"]; ok {
		switch s := stop.(type) {
		case string:
			genConfig["stopSequences"] = []any{s}
		case []any:
			genConfig["stopSequences"] = s
		}
	}

	out := map[string]any{"contents": contents}
	if len(genConfig) > 0 {
		out["generationConfig"] = filterGenerationConfig(genConfig)
	}
	if len(systemParts) > 0 {
		out["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": strings.Join(systemParts, "\n\n")}},
		}
	}
	if tools, ok := payload["tools"]; ok {
		out["tools"] = tools
	}

	return dropUndefinedAndEmpty(out)
}

func filterGenerationConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for _, k := range geminiGenerationConfigAllowList {
		if v, ok := cfg[k]; ok {
			out[k] = v
		}
	}
	return out
}

func openAIMessageToGemini(msg map[string]any) map[string]any {
	role := asString(msg["role"])
	if role == roleTool {
		return map[string]any{
			"role": "user",
			"parts": []any{map[string]any{
				"functionResponse": map[string]any{
					"name":     asString(msg["name"]),
					"response": map[string]any{"content": contentAsText(msg["content"])},
				},
			}},
		}
	}

	var parts []any
	switch c := msg["content"].(type) {
	case string:
		if c != "" {
			parts = append(parts, map[string]any{"text": c})
		}
	case []any:
		for _, p := range c {
			part := asMap(p)
			if part == nil {
				continue
			}
			parts = append(parts, openAIContentPartToGemini(part))
		}
	}

	if reasoning, ok := msg["reasoning_content"].(string); ok && reasoning != "" {
		parts = append([]any{map[string]any{"text": reasoning, "thought": true}}, parts...)
	}

	for _, tc := range asSlice(msg["tool_calls"]) {
		call := asMap(tc)
		fn := asMap(call["function"])
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": asString(fn["name"]),
				"args": parseArgs(asString(fn["arguments"])),
			},
		})
	}

	return map[string]any{"role": RoleToGemini(role), "parts": parts}
}

func openAIContentPartToGemini(p map[string]any) map[string]any {
	switch asString(p["type"]) {
	case "text":
		return map[string]any{"text": asString(p["text"])}
	case "image_url":
		url := asMap(p["image_url"])
		src := asString(url["url"])
		if mediaType, data, ok := parseDataURL(src); ok {
			return map[string]any{"inline_data": map[string]any{"mime_type": mediaType, "data": data}}
		}
		return map[string]any{"text": "[Image] " + src}
	default:
		return map[string]any{"text": ""}
	}
}

func dropUndefinedAndEmpty(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if isUndefinedOrEmpty(val) {
			continue
		}
		out[k] = val
	}
	return out
}

func isUndefinedOrEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(t))
		return trimmed == "undefined" || trimmed == "[undefined]"
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// RequestGeminiToOpenAI converts a Gemini generateContent request into an
// OpenAI-shaped chat-completion request.
func RequestGeminiToOpenAI(payload map[string]any) map[string]any {
	var outMessages []any
	if sys := asMap(payload["systemInstruction"]); sys != nil {
		var texts []string
		for _, p := range asSlice(sys["parts"]) {
			part := asMap(p)
			if part == nil {
				continue
			}
			texts = append(texts, asString(part["text"]))
		}
		if len(texts) > 0 {
			outMessages = append(outMessages, map[string]any{"role": roleSystem, "content": strings.Join(texts, "\n\n")})
		}
	}

	for _, c := range asSlice(payload["contents"]) {
		content := asMap(c)
		if content == nil {
			continue
		}
		outMessages = append(outMessages, geminiContentToOpenAI(content)...)
	}

	out := map[string]any{"messages": outMessages}
	if genConfig := asMap(payload["generationConfig"]); genConfig != nil {
		if v, ok := genConfig["maxOutputTokens"]; ok {
			out["max_tokens"] = v
		}
		if v, ok := genConfig["temperature"]; ok {
			out["temperature"] = v
		}
		if v, ok := genConfig["topP"]; ok {
			out["top_p"] = v
		}
		if v, ok := genConfig["stopSequences"]; ok {
			out["stop"] = v
		}
	}
	if tools, ok := payload["tools"]; ok {
		out["tools"] = tools
	}

	return out
}

func geminiContentToOpenAI(content map[string]any) []any {
	role := RoleFromGemini(asString(content["role"]))

	var textParts, reasoningParts []string
	var toolCalls []any
	var toolResults []any

	for _, p := range asSlice(content["parts"]) {
		part := asMap(p)
		if part == nil {
			continue
		}
		if fr := asMap(part["functionResponse"]); fr != nil {
			respMap := asMap(fr["response"])
			toolResults = append(toolResults, map[string]any{
				"role":    roleTool,
				"name":    asString(fr["name"]),
				"content": asString(respMap["content"]),
			})
			continue
		}
		if fc := asMap(part["functionCall"]); fc != nil {
			toolCalls = append(toolCalls, map[string]any{
				"id":   "",
				"type": "function",
				"function": map[string]any{
					"name":      asString(fc["name"]),
					"arguments": marshalArgs(fc["args"]),
				},
			})
			continue
		}
		if text, ok := part["text"].(string); ok {
			if thought, _ := part["thought"].(bool); thought {
				reasoningParts = append(reasoningParts, text)
			} else {
				textParts = append(textParts, text)
			}
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}

	out := map[string]any{"role": role, "content": strings.Join(textParts, "")}
	if len(reasoningParts) > 0 {
		out["reasoning_content"] = strings.Join(reasoningParts, "")
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return []any{out}
}

// ---------------------------------------------------------------------------
// Unary response translation
// ---------------------------------------------------------------------------

// ResponseOpenAIToGemini converts a complete OpenAI chat.completion response
// into a Gemini generateContent response.
func ResponseOpenAIToGemini(resp map[string]any) map[string]any {
	choices := asSlice(resp["choices"])
	var message map[string]any
	var finishReason string
	if len(choices) > 0 {
		choice := asMap(choices[0])
		message = asMap(choice["message"])
		finishReason = asString(choice["finish_reason"])
	}

	var parts []any
	if reasoning, ok := message["reasoning_content"].(string); ok && reasoning != "" {
		parts = append(parts, map[string]any{"text": reasoning, "thought": true})
	}
	if text, ok := message["content"].(string); ok && text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	for _, tc := range asSlice(message["tool_calls"]) {
		call := asMap(tc)
		fn := asMap(call["function"])
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": asString(fn["name"]), "args": parseArgs(asString(fn["arguments"]))},
		})
	}

	usage := asMap(resp["usage"])
	return map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": roleModel, "parts": parts},
			"finishReason": StopReasonOpenAIToGemini(finishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     jsonNumberToInt(usage["prompt_tokens"]),
			"candidatesTokenCount": jsonNumberToInt(usage["completion_tokens"]),
		},
	}
}

// ResponseGeminiToOpenAI converts a complete Gemini generateContent response
// into an OpenAI chat.completion response.
func ResponseGeminiToOpenAI(resp map[string]any) map[string]any {
	candidates := asSlice(resp["candidates"])
	var textParts, reasoningParts []string
	var toolCalls []any
	var finishReason string
	if len(candidates) > 0 {
		cand := asMap(candidates[0])
		finishReason = asString(cand["finishReason"])
		content := asMap(cand["content"])
		for _, p := range asSlice(content["parts"]) {
			part := asMap(p)
			if part == nil {
				continue
			}
			if fc := asMap(part["functionCall"]); fc != nil {
				toolCalls = append(toolCalls, map[string]any{
					"id":   "",
					"type": "function",
					"function": map[string]any{
						"name":      asString(fc["name"]),
						"arguments": marshalArgs(fc["args"]),
					},
				})
				continue
			}
			if text, ok := part["text"].(string); ok {
				if thought, _ := part["thought"].(bool); thought {
					reasoningParts = append(reasoningParts, text)
				} else {
					textParts = append(textParts, text)
				}
			}
		}
	}

	message := map[string]any{"role": "assistant", "content": strings.Join(textParts, "")}
	if len(reasoningParts) > 0 {
		message["reasoning_content"] = strings.Join(reasoningParts, "")
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := asMap(resp["usageMetadata"])
	prompt := jsonNumberToInt(usage["promptTokenCount"])
	completion := jsonNumberToInt(usage["candidatesTokenCount"])
	return map[string]any{
		"object": "chat.completion",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": StopReasonGeminiToOpenAI(finishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}

// ---------------------------------------------------------------------------
// Streaming translators
// ---------------------------------------------------------------------------

// GeminiToOpenAIStream turns a stream of Gemini generateContent events into
// OpenAI chat.completion.chunk events. One Gemini event may fan out into a
// role chunk, one chunk per content part, and a finish chunk.
type GeminiToOpenAIStream struct {
	roleSent    bool
	model       string
	promptUsage int64
	compUsage   int64
	cachedUsage int64
}

// NewGeminiToOpenAIStream starts a translator with the given model name and
// upfront prompt-token estimate.
func NewGeminiToOpenAIStream(model string, promptEstimate int64) *GeminiToOpenAIStream {
	return &GeminiToOpenAIStream{model: model, promptUsage: promptEstimate}
}

// Next translates one Gemini streaming event into zero or more OpenAI
// chunks.
func (s *GeminiToOpenAIStream) Next(event map[string]any) []map[string]any {
	var chunks []map[string]any

	if !s.roleSent {
		s.roleSent = true
		chunks = append(chunks, s.chunk(map[string]any{"role": "assistant", "content": ""}, ""))
	}

	candidates := asSlice(event["candidates"])
	var finishReason string
	for _, c := range candidates {
		cand := asMap(c)
		if cand == nil {
			continue
		}
		if fr := asString(cand["finishReason"]); fr != "" {
			finishReason = fr
		}
		content := asMap(cand["content"])
		for _, p := range asSlice(content["parts"]) {
			part := asMap(p)
			if part == nil {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				s.compUsage += EstimateTokensFromText(text)
				if thought, _ := part["thought"].(bool); thought {
					chunks = append(chunks, s.chunk(map[string]any{"reasoning_content": text}, ""))
				} else {
					chunks = append(chunks, s.chunk(map[string]any{"content": text}, ""))
				}
			}
			if fc := asMap(part["functionCall"]); fc != nil {
				chunks = append(chunks, s.chunk(map[string]any{
					"tool_calls": []any{map[string]any{
						"id":   "",
						"type": "function",
						"function": map[string]any{
							"name":      asString(fc["name"]),
							"arguments": marshalArgs(fc["args"]),
						},
					}},
				}, ""))
			}
		}
	}

	if usage := asMap(event["usageMetadata"]); usage != nil {
		if v := jsonNumberToInt(usage["promptTokenCount"]); v > 0 {
			s.promptUsage = v
		}
		if v := jsonNumberToInt(usage["candidatesTokenCount"]); v > 0 {
			s.compUsage = v
		}
		if v := jsonNumberToInt(usage["cachedContentTokenCount"]); v > 0 {
			s.cachedUsage = v
		}
	}

	if finishReason != "" {
		final := s.chunk(map[string]any{}, StopReasonGeminiToOpenAI(finishReason))
		final["usage"] = map[string]any{
			"prompt_tokens":     s.promptUsage,
			"completion_tokens": s.compUsage,
			"total_tokens":      s.promptUsage + s.compUsage,
			"cached_tokens":     s.cachedUsage,
		}
		chunks = append(chunks, final)
	}

	return chunks
}

func (s *GeminiToOpenAIStream) chunk(delta map[string]any, finishReason string) map[string]any {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]any{
		"object":  "chat.completion.chunk",
		"model":   s.model,
		"choices": []any{choice},
	}
}

// OpenAIToGeminiStream turns OpenAI chat.completion.chunk events into Gemini
// generateContent streaming events.
type OpenAIToGeminiStream struct {
	promptUsage int64
	compUsage   int64
}

// NewOpenAIToGeminiStream starts a translator with the upfront prompt-token
// estimate.
func NewOpenAIToGeminiStream(promptEstimate int64) *OpenAIToGeminiStream {
	return &OpenAIToGeminiStream{promptUsage: promptEstimate}
}

// Next translates one OpenAI chunk into zero or one Gemini streaming event.
func (s *OpenAIToGeminiStream) Next(chunk map[string]any) []map[string]any {
	choices := asSlice(chunk["choices"])
	if len(choices) == 0 {
		return nil
	}
	choice := asMap(choices[0])
	delta := asMap(choice["delta"])

	var parts []any
	if reasoning, ok := delta["reasoning_content"].(string); ok && reasoning != "" {
		s.compUsage += EstimateTokensFromText(reasoning)
		parts = append(parts, map[string]any{"text": reasoning, "thought": true})
	}
	if text, ok := delta["content"].(string); ok && text != "" {
		s.compUsage += EstimateTokensFromText(text)
		parts = append(parts, map[string]any{"text": text})
	}
	for _, tc := range asSlice(delta["tool_calls"]) {
		call := asMap(tc)
		fn := asMap(call["function"])
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": asString(fn["name"]), "args": parseArgs(asString(fn["arguments"]))},
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

	finish := asString(choice["finish_reason"])
	if len(parts) == 0 && finish == "" {
		return nil
	}

	event := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": roleModel, "parts": parts},
			"index":   0,
		}},
	}
	if finish != "" {
		cand := asMap(asSlice(event["candidates"])[0])
		cand["finishReason"] = StopReasonOpenAIToGemini(finish)
		event["usageMetadata"] = map[string]any{
			"promptTokenCount":     s.promptUsage,
			"candidatesTokenCount": s.compUsage,
		}
	}

	return []map[string]any{event}
}
