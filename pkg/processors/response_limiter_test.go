package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

func limiterInput(text string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "llm",
	})
}

func TestLimiterCapsSentenceCount(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 2})
	out, err := lim.Process(limiterInput("Got it. One latte. Anything else? We also have pastries today."))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out[0].(frames.TextFrame)
	if got.Text() != "Got it. One latte." {
		t.Fatalf("clamped = %q", got.Text())
	}
	if got.Meta()[frames.MetaShortTurnEnforced] != "true" {
		t.Fatalf("missing short-turn marker")
	}
}

func TestLimiterCutsOnWordBoundary(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxChars: 25, MaxSentences: 10})
	out, err := lim.Process(limiterInput("Your medium latte with oat milk is coming right up"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out[0].(frames.TextFrame).Text()
	if len(got) > 25 {
		t.Fatalf("length %d exceeds cap: %q", len(got), got)
	}
	if strings.HasSuffix(got, "oa") || strings.HasSuffix(got, "wi") {
		t.Fatalf("cut mid-word: %q", got)
	}
}

func TestLimiterPassesShortRepliesAndUserText(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{})

	short := limiterInput("Saved order for Sam: medium latte with oat milk and extra shot.")
	out, err := lim.Process(short)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out[0].(frames.TextFrame).Text() != short.Text() {
		t.Fatalf("short reply was altered")
	}

	user := frames.NewTextFrame("stream-1", time.Now().UnixNano(),
		strings.Repeat("I would like a latte. ", 40),
		map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "stt"})
	out, err = lim.Process(user)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out[0].(frames.TextFrame).Text() != user.Text() {
		t.Fatalf("caller transcript was clamped")
	}
}
