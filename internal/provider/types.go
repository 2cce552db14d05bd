package provider

import "fmt"

// Message is a single chat turn in an OpenAI-compatible request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound chat completion payload. Fields the gateway
// does not interpret are carried through untouched.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Choice is one completion alternative in a provider response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports provider token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the provider's completion payload.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ScannableText concatenates every message body for scanning. Roles are
// excluded; only user-supplied content is inspected.
func (r *ChatRequest) ScannableText() string {
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// ScannableText concatenates every completion body for response scanning.
func (r *ChatResponse) ScannableText() string {
	var out string
	for i, c := range r.Choices {
		if i > 0 {
			out += "\n"
		}
		out += c.Message.Content
	}
	return out
}

// Error is a failure reported by, or while talking to, the upstream
// provider.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}
