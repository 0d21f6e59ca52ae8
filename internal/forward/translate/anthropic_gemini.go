package translate

// Anthropic and Gemini never translate directly into one another: every
// conversion composes through the OpenAI shape, per spec §4.3 ("anthropic↔
// gemini = compose via openai"). This keeps the translator count at the
// twelve the OpenAI↔Anthropic and OpenAI↔Gemini field mappings actually
// define, instead of a fourth
// bespoke direction that would just re-derive the same rules.

// RequestAnthropicToGemini converts an Anthropic messages request into a
// Gemini generateContent request via the OpenAI intermediate shape.
func RequestAnthropicToGemini(payload map[string]any) map[string]any {
	return RequestOpenAIToGemini(RequestAnthropicToOpenAI(payload))
}

// RequestGeminiToAnthropic converts a Gemini generateContent request into an
// Anthropic messages request via the OpenAI intermediate shape.
func RequestGeminiToAnthropic(payload map[string]any) map[string]any {
	return RequestOpenAIToAnthropic(RequestGeminiToOpenAI(payload))
}

// ResponseAnthropicToGemini converts a complete Anthropic response into a
// Gemini response via the OpenAI intermediate shape.
func ResponseAnthropicToGemini(resp map[string]any) map[string]any {
	return ResponseOpenAIToGemini(ResponseAnthropicToOpenAI(resp))
}

// ResponseGeminiToAnthropic converts a complete Gemini response into an
// Anthropic response via the OpenAI intermediate shape.
func ResponseGeminiToAnthropic(resp map[string]any) map[string]any {
	return ResponseOpenAIToAnthropic(ResponseGeminiToOpenAI(resp))
}

// AnthropicToGeminiStream composes AnthropicToOpenAIStream with
// OpenAIToGeminiStream: each Anthropic SSE event may fan out into zero or
// more OpenAI chunks, each of which feeds the Gemini-facing stage in turn.
type AnthropicToGeminiStream struct {
	toOpenAI *AnthropicToOpenAIStream
	toGemini *OpenAIToGeminiStream
}

// NewAnthropicToGeminiStream starts the composed translator.
func NewAnthropicToGeminiStream(id, model string, promptEstimate int64) *AnthropicToGeminiStream {
	return &AnthropicToGeminiStream{
		toOpenAI: NewAnthropicToOpenAIStream(id, model, promptEstimate),
		toGemini: NewOpenAIToGeminiStream(promptEstimate),
	}
}

// Next translates one Anthropic SSE event into zero or more Gemini events.
func (s *AnthropicToGeminiStream) Next(event map[string]any) []map[string]any {
	var out []map[string]any
	for _, chunk := range s.toOpenAI.Next(event) {
		out = append(out, s.toGemini.Next(chunk)...)
	}
	return out
}

// GeminiToAnthropicStream composes GeminiToOpenAIStream with
// OpenAIToAnthropicStream.
type GeminiToAnthropicStream struct {
	toOpenAI    *GeminiToOpenAIStream
	toAnthropic *OpenAIToAnthropicStream
}

// NewGeminiToAnthropicStream starts the composed translator.
func NewGeminiToAnthropicStream(model string, promptEstimate int64) *GeminiToAnthropicStream {
	return &GeminiToAnthropicStream{
		toOpenAI:    NewGeminiToOpenAIStream(model, promptEstimate),
		toAnthropic: NewOpenAIToAnthropicStream(promptEstimate),
	}
}

// Next translates one Gemini event into zero or more Anthropic SSE events.
func (s *GeminiToAnthropicStream) Next(event map[string]any) []map[string]any {
	var out []map[string]any
	for _, chunk := range s.toOpenAI.Next(event) {
		out = append(out, s.toAnthropic.Next(chunk)...)
	}
	return out
}
