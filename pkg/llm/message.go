// Package llm provides the wire representations of chat completion
// requests and responses for OpenAI-compatible servers (vLLM in
// particular), plus the HTTP transport that issues them.
package llm

// Message represents a single message in a chat completion request.
// Content is either a plain string or, for user messages carrying
// images, a []ContentPart.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content any    `json:"content"` // string or []ContentPart
}

// ContentPart is one entry of a multimodal message content list.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds an image reference: an http(s) URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// UserMessage builds a user message. When images are present the
// content becomes a part list with the text first, followed by one
// image_url part per image.
func UserMessage(text string, images []string) Message {
	if len(images) == 0 {
		return Message{Role: "user", Content: text}
	}

	parts := make([]ContentPart, 0, len(images)+1)
	parts = append(parts, ContentPart{Type: "text", Text: text})
	for _, img := range images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img}})
	}

	return Message{Role: "user", Content: parts}
}
