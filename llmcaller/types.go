// Package llmcaller implements the LLM Caller contract (spec.md §4.3):
// reliable, observable invocation of a chat-style text model with retry,
// timeout, streaming, rate limiting and response caching/coalescing.
package llmcaller

import "context"

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat-style request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the per-call generation parameters (spec.md §4.3).
type Params struct {
	Model       string                 `json:"model,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is what generate returns.
type Response struct {
	Content  string                 `json:"content"`
	Model    string                 `json:"model"`
	Usage    Usage                  `json:"usage"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StreamChunk is one fragment of a streamed response; chunks concatenate to
// the final content (spec.md §4.3).
type StreamChunk struct {
	Content string
	Done    bool
}

// Caller is the LLM Caller contract every provider adapter and the cache/
// retry/coalescing wrapper implement.
type Caller interface {
	Generate(ctx context.Context, messages []Message, params Params) (*Response, error)
	GenerateStream(ctx context.Context, messages []Message, params Params) (<-chan StreamChunk, error)
}

// WithSystem is the convenience call from spec.md §4.3: equivalent to
// Generate([system, user], params).
func WithSystem(ctx context.Context, c Caller, systemPrompt, prompt string, params Params) (*Response, error) {
	return c.Generate(ctx, []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: prompt},
	}, params)
}
