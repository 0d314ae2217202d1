package llm

// StreamChunk represents a single server-sent event in a streaming
// chat completion response.
type StreamChunk struct {
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice carries the incremental delta of one event.
type StreamChoice struct {
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta is the incremental payload of a streaming event. Reasoning
// text arrives in either reasoning_content or reasoning depending on
// the server.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// ReasoningDelta returns the reasoning fragment of the delta,
// preferring reasoning_content over reasoning.
func (d *Delta) ReasoningDelta() string {
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	return d.Reasoning
}
