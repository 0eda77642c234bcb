package processors

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/aggregators"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/turn"
)

// ContextProcessor assembles the conversational context around
// transcripts: the base barista prompt injected once per call, shared
// facts (caller number, order state) republished when they change, and
// per-stream aggregation of transcript fragments into utterances.
//
// With a turn manager attached it buffers speculatively and flushes on
// turn transitions; without one it flushes directly on final
// transcripts and flush control frames.
type ContextProcessor struct {
	aggConfig  aggregators.AggregatorConfig
	basePrompt string

	mu           sync.Mutex
	aggs         map[string]*aggregators.TextAggregator
	injected     map[string]bool
	global       map[string]map[string]string
	globalHash   map[string]string
	buffer       *ContextBuffer
	turnManager  turn.Manager
	pendingFlush []frames.Frame
}

func NewContextProcessor(cfg aggregators.AggregatorConfig, basePrompt string) *ContextProcessor {
	return &ContextProcessor{
		aggConfig:  cfg,
		aggs:       make(map[string]*aggregators.TextAggregator),
		injected:   make(map[string]bool),
		basePrompt: basePrompt,
		global:     make(map[string]map[string]string),
		globalHash: make(map[string]string),
	}
}

// SetTurnManager switches the processor into speculative buffering:
// transcripts accumulate in a ContextBuffer that the manager's state
// transitions flush, instead of flushing on every final transcript.
func (p *ContextProcessor) SetTurnManager(tm turn.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnManager = tm
	if tm == nil {
		return
	}

	p.buffer = NewContextBuffer(
		ContextBufferOptions{MaxBufferSize: 10000},
		func(content string) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			if content == "" {
				return nil
			}
			streamID := ""
			if p.buffer != nil {
				streamID = p.buffer.StreamID()
			}
			meta := map[string]string{frames.MetaIsFinal: "true"}
			p.pendingFlush = append(p.pendingFlush, frames.NewTextFrame(streamID, time.Now().UnixNano(), content, meta))
			return nil
		},
	)
	tm.AddListener(p.buffer)
}

func (p *ContextProcessor) Name() string { return "context_processor" }

func (p *ContextProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	out, err := p.emitPending()
	if err != nil {
		return out, err
	}

	switch f.Kind() {
	case frames.KindSystem:
		return p.processSystem(f.(frames.SystemFrame), out)
	case frames.KindControl:
		return p.processControl(f.(frames.ControlFrame), out)
	case frames.KindText:
		return p.processText(f.(frames.TextFrame), out)
	}

	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return append(out, f), nil
	}
	r, err := p.aggFor(streamID).Process(f)
	if err != nil {
		return out, err
	}
	return append(out, r...), nil
}

// emitPending drains transcripts flushed by turn transitions since the
// last Process call and runs them through the aggregator with their
// context preamble.
func (p *ContextProcessor) emitPending() ([]frames.Frame, error) {
	p.mu.Lock()
	pending := p.pendingFlush
	p.pendingFlush = nil
	p.mu.Unlock()

	var out []frames.Frame
	for _, pf := range pending {
		tf, ok := pf.(frames.TextFrame)
		if !ok {
			continue
		}
		out = append(out, p.preamble(tf.Meta())...)
		r, err := p.aggFor(tf.Meta()[frames.MetaStreamID]).Process(tf)
		if err != nil {
			return out, err
		}
		out = append(out, r...)
	}
	return out, nil
}

func (p *ContextProcessor) processSystem(sf frames.SystemFrame, out []frames.Frame) ([]frames.Frame, error) {
	p.updateGlobal(sf.Meta())
	if sf.Name() == "call_end" {
		p.clearScope(sf.Meta())
		p.clearAgg(sf.Meta()[frames.MetaStreamID])
	}
	if sys := p.buildBasePrompt(sf.Meta()); sys != nil {
		return append(out, *sys, sf), nil
	}
	return append(out, sf), nil
}

func (p *ContextProcessor) processControl(cf frames.ControlFrame, out []frames.Frame) ([]frames.Frame, error) {
	if cf.Code() != frames.ControlFlush {
		streamID := cf.Meta()[frames.MetaStreamID]
		if streamID == "" {
			return append(out, cf), nil
		}
		r, err := p.aggFor(streamID).Process(cf)
		if err != nil {
			return out, err
		}
		return append(out, r...), nil
	}

	if p.buffer != nil {
		p.buffer.Flush()
	} else if tf := p.aggFor(cf.Meta()[frames.MetaStreamID]).FlushFrame(); tf != nil {
		out = append(out, p.preamble(tf.Meta())...)
		out = append(out, *tf)
	}
	return append(out, cf), nil
}

func (p *ContextProcessor) processText(tf frames.TextFrame, out []frames.Frame) ([]frames.Frame, error) {
	if p.buffer != nil {
		if streamID := tf.Meta()[frames.MetaStreamID]; streamID != "" {
			p.buffer.SetStreamID(streamID)
		}
		// Interim and final both land in the buffer; the manager's
		// state transition decides when it becomes a turn.
		p.buffer.AddTranscript(tf.Text(), isFinal(tf.Meta()))
		return out, nil
	}

	if !isFinal(tf.Meta()) {
		return out, nil
	}
	out = append(out, p.preamble(tf.Meta())...)
	r, err := p.aggFor(tf.Meta()[frames.MetaStreamID]).Process(tf)
	if err != nil {
		return out, err
	}
	return append(out, r...), nil
}

// preamble returns the system frames that must precede an utterance:
// the one-time base prompt and any changed shared context.
func (p *ContextProcessor) preamble(meta map[string]string) []frames.Frame {
	var out []frames.Frame
	if sys := p.buildBasePrompt(meta); sys != nil {
		out = append(out, *sys)
	}
	if sys := p.buildGlobalMessage(meta); sys != nil {
		out = append(out, *sys)
	}
	return out
}

func isFinal(meta map[string]string) bool {
	switch strings.ToLower(meta[frames.MetaIsFinal]) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (p *ContextProcessor) aggFor(streamID string) *aggregators.TextAggregator {
	if streamID == "" {
		streamID = "default"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	agg := p.aggs[streamID]
	if agg == nil {
		agg = aggregators.NewTextAggregator(p.aggConfig)
		p.aggs[streamID] = agg
	}
	return agg
}

func (p *ContextProcessor) clearAgg(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	delete(p.aggs, streamID)
	p.mu.Unlock()
}

// buildBasePrompt returns the barista system prompt frame, once per
// scope for the lifetime of the call.
func (p *ContextProcessor) buildBasePrompt(meta map[string]string) *frames.SystemFrame {
	if p.basePrompt == "" {
		return nil
	}
	streamID := meta[frames.MetaStreamID]
	scope := p.scopeKey(meta)
	if streamID == "" || scope == "" || p.injected[scope] {
		return nil
	}
	p.injected[scope] = true
	sysMeta := map[string]string{frames.MetaSystemMessage: p.basePrompt}
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		sysMeta[frames.MetaTraceID] = traceID
	}
	frame := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "base_prompt", sysMeta)
	return &frame
}

// updateGlobal absorbs shared facts from frame meta: any key with the
// global prefix, plus the caller number as customer identity.
func (p *ContextProcessor) updateGlobal(meta map[string]string) {
	scope := p.scopeKey(meta)
	if scope == "" {
		return
	}
	g := p.global[scope]
	if g == nil {
		g = make(map[string]string)
		p.global[scope] = g
	}
	for k, v := range meta {
		if strings.HasPrefix(k, frames.MetaGlobalPrefix) && v != "" {
			g[k[len(frames.MetaGlobalPrefix):]] = v
		}
	}
	if from := meta[frames.MetaFromNumber]; from != "" {
		g["customer_id"] = from
	}
}

// buildGlobalMessage republishes shared context as a system frame, but
// only when its rendered form differs from what was last sent.
func (p *ContextProcessor) buildGlobalMessage(meta map[string]string) *frames.SystemFrame {
	streamID := meta[frames.MetaStreamID]
	scope := p.scopeKey(meta)
	if streamID == "" || scope == "" {
		return nil
	}
	g := p.global[scope]
	if len(g) == 0 {
		return nil
	}
	rendered := renderGlobal(g)
	if p.globalHash[scope] == rendered {
		return nil
	}
	p.globalHash[scope] = rendered
	sysMeta := map[string]string{frames.MetaSystemMessage: "Shared context: " + rendered}
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		sysMeta[frames.MetaTraceID] = traceID
	}
	frame := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "global_context", sysMeta)
	return &frame
}

func renderGlobal(g map[string]string) string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+g[k])
	}
	return strings.Join(parts, ", ")
}

func (p *ContextProcessor) scopeKey(meta map[string]string) string {
	if meta == nil {
		return ""
	}
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		return callSID
	}
	return meta[frames.MetaStreamID]
}

func (p *ContextProcessor) clearScope(meta map[string]string) {
	scope := p.scopeKey(meta)
	if scope == "" {
		return
	}
	p.mu.Lock()
	delete(p.injected, scope)
	delete(p.global, scope)
	delete(p.globalHash, scope)
	p.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*ContextProcessor)(nil)
