// Package llm defines the model-agnostic contract the conversation
// pipeline speaks to language model providers, plus the resilience
// wrappers (retry, circuit breaking) shared across them.
package llm

import "context"

// Tool describes a function the model may call. Tools that mutate
// state outside the session can demand a spoken confirmation first.
type Tool struct {
	Name                 string
	Description          string
	Schema               any
	RequiresConfirmation bool
	ConfirmationPrompt   string
}

// Context is one inference request: the running conversation plus the
// tools currently on offer.
type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Tokens       int
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// LLMAdapter is implemented per provider. Generate and Stream carry
// the request; the format methods exist so callers can inspect or
// replay provider payloads without knowing the provider.
type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	MapTools(tools []Tool) (providerTools any, err error)
	ToProviderFormat(ctx Context) (any, error)
	FromProviderFormat(raw any) (Response, error)
	Name() string
}
