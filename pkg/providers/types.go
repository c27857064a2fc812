package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one completion call. Zero values defer to the backend:
// an empty Model uses the provider default and a nil Temperature is omitted.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	// JSON asks for a JSON object response.
	JSON bool
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// LLMProvider is a chat-completions style model backend.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error)
	GetDefaultModel() string
}
