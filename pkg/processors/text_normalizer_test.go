package processors

import (
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

func normalizerInput(text, source string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   source,
	})
}

func TestNormalizerMapsMishearings(t *testing.T) {
	norm := NewTextNormalizer(TextNormalizerConfig{Replacements: map[string]string{
		"motcha":   "mocha",
		"expresso": "espresso",
	}})

	out, err := norm.Process(normalizerInput("A large motcha with an expresso shot", "stt"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out[0].(frames.TextFrame)
	if got.Text() != "a large mocha with an espresso shot" {
		t.Fatalf("normalized = %q", got.Text())
	}
	if got.Meta()[frames.MetaNormalized] != "true" {
		t.Fatalf("missing normalized marker")
	}
}

func TestNormalizerPrefersLongestPhrase(t *testing.T) {
	norm := NewTextNormalizer(TextNormalizerConfig{Replacements: map[string]string{
		"oat":      "oat milk",
		"oat milk": "oat milk",
	}})

	out, err := norm.Process(normalizerInput("latte with oat milk", "stt"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := out[0].(frames.TextFrame).Text(); got != "latte with oat milk" {
		t.Fatalf("double replacement: %q", got)
	}
}

func TestNormalizerIgnoresAssistantText(t *testing.T) {
	norm := NewTextNormalizer(TextNormalizerConfig{Replacements: map[string]string{"motcha": "mocha"}})

	in := normalizerInput("Motcha is not on our menu", "llm")
	out, err := norm.Process(in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := out[0].(frames.TextFrame).Text(); got != in.Text() {
		t.Fatalf("assistant text was rewritten: %q", got)
	}
}
