package processors

import (
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	mockllm "github.com/moonbeamcoffee/moonbeam/pkg/providers/mock"
)

func TestLLMGreetingSpokenVerbatim(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "unused"})
	proc := NewLLMProcessor(adapter, "", nil)
	greeting := "Hi, welcome to Moonbeam Coffee! What can I get started for you today?"
	meta := map[string]string{
		frames.MetaStreamID:     "stream-1",
		frames.MetaGreetingText: greeting,
	}
	input := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "greeting", meta)
	out, err := proc.Process(input)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one frame, got %d", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text frame, got %T", out[0])
	}
	if tf.Text() != greeting {
		t.Fatalf("greeting altered: %q", tf.Text())
	}
	if tf.Meta()[frames.MetaSource] != "llm" {
		t.Fatalf("expected llm source, got %q", tf.Meta()[frames.MetaSource])
	}
}

func TestLLMEmitsToolCallDirectly(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ToolCalls: []llm.ToolCall{{
			ID:   "tool-1",
			Name: "save_order",
			Arguments: map[string]any{
				"drinkType": "latte",
				"size":      "medium",
				"name":      "Sam",
			},
		}},
	})
	tools := []llm.Tool{{Name: "save_order"}}
	proc := NewLLMProcessor(adapter, "", tools)
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	}
	input := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "A medium latte for Sam, please", meta)
	out, err := proc.Process(input)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	var toolCall *frames.ControlFrame
	for _, f := range out {
		if f.Kind() == frames.KindControl {
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlToolCall {
				toolCall = &cf
			}
		}
	}
	if toolCall == nil {
		t.Fatalf("expected tool call frame")
	}
	if toolCall.Meta()[frames.MetaToolName] != "save_order" {
		t.Fatalf("unexpected tool name %q", toolCall.Meta()[frames.MetaToolName])
	}
	if toolCall.Meta()[frames.MetaToolCallID] != "tool-1" {
		t.Fatalf("unexpected tool call id %q", toolCall.Meta()[frames.MetaToolCallID])
	}
}

func TestLLMToolConfirmationPrompt(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ToolCalls: []llm.ToolCall{{
			ID:        "tool-1",
			Name:      "cancel_order",
			Arguments: map[string]any{"orderId": "20260831-120000_Sam"},
		}},
	})
	tools := []llm.Tool{{
		Name:                 "cancel_order",
		RequiresConfirmation: true,
		ConfirmationPrompt:   "Should I cancel that order?",
	}}
	proc := NewLLMProcessor(adapter, "", tools)
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	}
	input := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Cancel my order", meta)
	out, err := proc.Process(input)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected output frames")
	}
	var sawPrompt bool
	var sawToolCall bool
	for _, f := range out {
		switch f.Kind() {
		case frames.KindSystem:
			sf := f.(frames.SystemFrame)
			if sf.Meta()[frames.MetaGreetingText] == "Should I cancel that order?" {
				sawPrompt = true
			}
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlToolCall {
				sawToolCall = true
			}
		}
	}
	if !sawPrompt {
		t.Fatalf("expected confirmation prompt")
	}
	if sawToolCall {
		t.Fatalf("did not expect tool call before confirmation")
	}
}

func TestLLMToolConfirmationAcceptsYes(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ToolCalls: []llm.ToolCall{{
			ID:        "tool-1",
			Name:      "cancel_order",
			Arguments: map[string]any{"orderId": "20260831-120000_Sam"},
		}},
	})
	tools := []llm.Tool{{
		Name:                 "cancel_order",
		RequiresConfirmation: true,
		ConfirmationPrompt:   "Should I cancel that order?",
	}}
	proc := NewLLMProcessor(adapter, "", tools)
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	}
	input := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Cancel my order", meta)
	_, err := proc.Process(input)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}

	confirm := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "yes", meta)
	out, err := proc.Process(confirm)
	if err != nil {
		t.Fatalf("process confirm error: %v", err)
	}
	var sawToolCall bool
	for _, f := range out {
		if f.Kind() == frames.KindControl {
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlToolCall {
				sawToolCall = true
			}
		}
	}
	if !sawToolCall {
		t.Fatalf("expected tool call after confirmation")
	}
}
