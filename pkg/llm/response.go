package llm

// ChatCompletion represents a non-streaming chat completion response.
type ChatCompletion struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative; servers return one unless asked
// for more.
type Choice struct {
	Message *ResponseMessage `json:"message,omitempty"`
}

// ResponseMessage is the assistant message of a non-streaming response.
// Reasoning-capable servers report deliberation text in either
// reasoning_content or reasoning, never reliably both.
type ResponseMessage struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// ReasoningText returns the reasoning channel of the message,
// preferring reasoning_content over reasoning.
func (m *ResponseMessage) ReasoningText() string {
	if m.ReasoningContent != "" {
		return m.ReasoningContent
	}
	return m.Reasoning
}

// Usage contains server-reported token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}
