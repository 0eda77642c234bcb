package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

// TextAggregator stitches partial transcript tokens back into whole
// utterances before they reach the order context. A segment flushes on
// end-of-sentence punctuation, a final-marked token, a token budget, or
// a silence timeout.
type TextAggregator struct {
	mu          sync.Mutex
	cfg         AggregatorConfig
	sb          strings.Builder
	tokenCount  int
	firstPTS    int64
	streamID    string
	meta        map[string]string
	lastTokenAt time.Time
	history     []string
}

func NewTextAggregator(cfg AggregatorConfig) *TextAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 300 * time.Millisecond
	}
	return &TextAggregator{cfg: cfg}
}

func (a *TextAggregator) Configure(cfg AggregatorConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.MinLen > 0 {
		a.cfg.MinLen = cfg.MinLen
	}
	if cfg.MaxTokens > 0 {
		a.cfg.MaxTokens = cfg.MaxTokens
	}
	if cfg.MaxHistory > 0 {
		a.cfg.MaxHistory = cfg.MaxHistory
	}
	if cfg.FlushTimeout > 0 {
		a.cfg.FlushTimeout = cfg.FlushTimeout
	}
	return nil
}

func (a *TextAggregator) AddToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(tok)
	a.tokenCount++
	a.lastTokenAt = time.Now()
}

func (a *TextAggregator) Flush() string {
	f := a.FlushFrame()
	if f != nil {
		return f.Text()
	}
	return ""
}

// FlushFrame drains whatever is buffered regardless of length, used at
// stream teardown so trailing words are not lost.
func (a *TextAggregator) FlushFrame() *frames.TextFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(a.sb.String())
	if text == "" {
		return nil
	}
	tf := a.take(text)
	return &tf
}

func (a *TextAggregator) Name() string { return "text_aggregator" }

func (a *TextAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindText {
		return a.processText(f.(frames.TextFrame))
	}

	// non-text frames tick the silence clock; a quiet gap flushes the
	// buffered segment ahead of the passing frame
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(a.sb.String())
	quiet := a.tokenCount > 0 && time.Since(a.lastTokenAt) > a.cfg.FlushTimeout
	if quiet && len(text) >= a.cfg.MinLen {
		return []frames.Frame{a.take(text), f}, nil
	}
	return []frames.Frame{f}, nil
}

func (a *TextAggregator) processText(tf frames.TextFrame) ([]frames.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstPTS == 0 {
		a.firstPTS = tf.PTS()
		a.streamID = tf.Meta()[frames.MetaStreamID]
		a.meta = tf.Meta()
	}
	a.sb.WriteString(tf.Text())
	a.tokenCount++
	a.lastTokenAt = time.Now()

	isFinal := tf.Meta()[frames.MetaIsFinal] == "true"
	text := a.sb.String()
	done := isFinal || a.tokenCount >= a.cfg.MaxTokens || sentenceEnd(text)
	segment := strings.TrimSpace(text)
	if done && len(segment) >= a.cfg.MinLen {
		return []frames.Frame{a.take(segment)}, nil
	}
	return nil, nil
}

// take builds the flushed frame and resets buffer state. Caller holds
// the lock.
func (a *TextAggregator) take(text string) frames.TextFrame {
	out := frames.NewTextFrame(a.streamID, a.firstPTS, text, a.meta)
	a.sb.Reset()
	a.tokenCount = 0
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
	if a.cfg.MaxHistory > 0 {
		a.history = append(a.history, text)
		if len(a.history) > a.cfg.MaxHistory {
			a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
		}
	}
	return out
}

func (a *TextAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

func sentenceEnd(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	// a bare trailing ellipsis on a short fragment usually means the
	// speaker is still going
	if strings.HasSuffix(t, "...") {
		return len(t) >= 12
	}
	switch t[len(t)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

var _ pipeline.FrameProcessor = (*TextAggregator)(nil)
