package processors

import (
	"sort"
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
	Source       string
}

// TextNormalizer rewrites transcript phrases before they reach the
// model, mapping recognizer mishearings onto menu vocabulary ("motcha"
// to "mocha", "expresso" to "espresso").
type TextNormalizer struct {
	pairs  []replacement
	source string
}

type replacement struct {
	from, to string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	source := cfg.Source
	if source == "" {
		source = "stt"
	}
	pairs := make([]replacement, 0, len(cfg.Replacements))
	for from, to := range cfg.Replacements {
		if from == "" {
			continue
		}
		pairs = append(pairs, replacement{from: strings.ToLower(from), to: to})
	}
	// Longest match first so "expresso shot" beats "expresso".
	sort.Slice(pairs, func(i, j int) bool { return len(pairs[i].from) > len(pairs[j].from) })
	return &TextNormalizer{pairs: pairs, source: source}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText || len(t.pairs) == 0 {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	normalized, changed := t.normalize(tf.Text())
	if !changed {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

func (t *TextNormalizer) normalize(text string) (string, bool) {
	out := strings.ToLower(text)
	for _, p := range t.pairs {
		out = strings.ReplaceAll(out, p.from, p.to)
	}
	return out, out != text
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
