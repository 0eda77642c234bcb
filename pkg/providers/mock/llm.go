package mock

import (
	"context"

	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	ToolCalls    []llm.ToolCall
	StreamChunks []string
}

// LLMAdapter returns canned responses; when ToolCalls is set the
// dispatcher path gets exercised instead of the streaming path.
type LLMAdapter struct {
	cfg LLMConfig
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	return llm.Response{Text: a.cfg.ResponseText, ToolCalls: a.cfg.ToolCalls}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan string, len(chunks))
	for _, chunk := range chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (a *LLMAdapter) MapTools(tools []llm.Tool) (any, error) { return nil, nil }

func (a *LLMAdapter) ToProviderFormat(ctx llm.Context) (any, error) { return nil, nil }

func (a *LLMAdapter) FromProviderFormat(raw any) (llm.Response, error) {
	return llm.Response{Text: a.cfg.ResponseText}, nil
}
