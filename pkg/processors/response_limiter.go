package processors

import (
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

type ResponseLimiterConfig struct {
	MaxChars      int
	MaxSentences  int
	SourceFilters map[string]bool
}

// ResponseLimiter clamps spoken replies to a few short sentences. A
// phone order moves fastest when the barista answers in one breath;
// anything longer invites the caller to talk over it.
type ResponseLimiter struct {
	cfg ResponseLimiterConfig
}

func NewResponseLimiter(cfg ResponseLimiterConfig) *ResponseLimiter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 420
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	if cfg.SourceFilters == nil {
		cfg.SourceFilters = map[string]bool{"llm": true, "system": true}
	}
	return &ResponseLimiter{cfg: cfg}
}

func (r *ResponseLimiter) Name() string { return "response_limiter" }

func (r *ResponseLimiter) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if !r.cfg.SourceFilters[meta[frames.MetaSource]] {
		return []frames.Frame{f}, nil
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return []frames.Frame{f}, nil
	}
	clamped := r.clamp(text)
	if clamped == text {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaShortTurnEnforced] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), clamped, meta)}, nil
}

// clamp first bounds the sentence count, then the character count,
// breaking on a word boundary so the synthesizer never reads half a
// word.
func (r *ResponseLimiter) clamp(text string) string {
	if end := sentenceEnd(text, r.cfg.MaxSentences); end > 0 {
		text = strings.TrimSpace(text[:end])
	}
	if len(text) <= r.cfg.MaxChars {
		return text
	}
	cut := text[:r.cfg.MaxChars]
	if sp := strings.LastIndexByte(cut, ' '); sp > 0 {
		cut = cut[:sp]
	}
	return strings.TrimSpace(cut)
}

// sentenceEnd returns the byte offset just past the n-th terminal
// punctuation mark, or 0 when the text has fewer than n sentences.
func sentenceEnd(text string, n int) int {
	if n <= 0 {
		return 0
	}
	offset := 0
	for range n {
		rel := strings.IndexAny(text[offset:], ".!?")
		if rel < 0 {
			return 0
		}
		offset += rel + 1
	}
	if offset >= len(text) {
		return 0
	}
	return offset
}

var _ pipeline.FrameProcessor = (*ResponseLimiter)(nil)
