package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	mockllm "github.com/moonbeamcoffee/moonbeam/pkg/providers/mock"
)

func newMemoryLLM(t *testing.T, maxHistory, maxTokens int) *LLMProcessor {
	t.Helper()
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "ok"})
	proc := NewLLMProcessor(adapter, "", []llm.Tool{})
	proc.SetMemoryLimits(maxHistory, maxTokens)
	return proc
}

func driveTurns(t *testing.T, proc *LLMProcessor, meta map[string]string, turns int) {
	t.Helper()
	for range turns {
		input := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "one more latte please", meta)
		if _, err := proc.Process(input); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
}

func countByRole(snap llm.Context) (system, other int) {
	for _, msg := range snap.Messages {
		if role, _ := msg["role"].(string); strings.EqualFold(role, "system") {
			system++
		} else {
			other++
		}
	}
	return system, other
}

func TestMemoryHistoryLimitDropsOldestTurns(t *testing.T) {
	proc := newMemoryLLM(t, 3, 0)
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "stt"}

	driveTurns(t, proc, meta, 4)

	snap := proc.contextSnapshot(proc.scopeKey(meta, "stream-1"))
	if _, other := countByRole(snap); other > 3 {
		t.Fatalf("history limit not enforced: %d non-system messages", other)
	}
	// The newest exchange must survive pruning.
	last := snap.Messages[len(snap.Messages)-1]
	if content, _ := last["content"].(string); content == "" {
		t.Fatalf("latest message lost its content")
	}
}

func TestMemoryTokenLimitKeepsSystemPrompt(t *testing.T) {
	proc := newMemoryLLM(t, 0, 8)
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "stt"}

	base := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "base_prompt", map[string]string{
		frames.MetaStreamID:      "stream-1",
		frames.MetaSystemMessage: "You are the Moonbeam Coffee barista.",
	})
	if _, err := proc.Process(base); err != nil {
		t.Fatalf("base prompt: %v", err)
	}
	driveTurns(t, proc, meta, 5)

	snap := proc.contextSnapshot(proc.scopeKey(meta, "stream-1"))
	system, _ := countByRole(snap)
	if system == 0 {
		t.Fatalf("token pruning evicted the system prompt")
	}
}

func TestMemoryScopesAreIsolatedPerStream(t *testing.T) {
	proc := newMemoryLLM(t, 10, 0)
	metaA := map[string]string{frames.MetaStreamID: "stream-a", frames.MetaSource: "stt"}
	input := frames.NewTextFrame("stream-a", time.Now().UnixNano(), "a flat white to go", metaA)
	if _, err := proc.Process(input); err != nil {
		t.Fatalf("process: %v", err)
	}

	other := proc.contextSnapshot(proc.scopeKey(map[string]string{frames.MetaStreamID: "stream-b"}, "stream-b"))
	if len(other.Messages) != 0 {
		t.Fatalf("stream-b saw stream-a's history: %v", other.Messages)
	}
}
