package llm

// ChatRequest represents a chat completion request (OpenAI-compatible).
type ChatRequest struct {
	Model           string    `json:"model"`                      // Model name served by the upstream
	Messages        []Message `json:"messages"`                   // Conversation context
	Temperature     *float64  `json:"temperature,omitempty"`      // Sampling temperature
	ReasoningEffort string    `json:"reasoning_effort,omitempty"` // "low", "medium", "high"
	Stream          bool      `json:"stream"`                     // Whether to stream the response
}
