package processors

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

// LLMProcessor turns final customer utterances into barista speech and
// tool calls. Conversation history is kept per scope: "call:<sid>" when
// the transport knows the call, otherwise "stream:<id>", so a websocket
// reconnect mid-order keeps the drinks already discussed.
type LLMProcessor struct {
	adapter llm.LLMAdapter
	system  string

	mu              sync.Mutex
	tools           []llm.Tool
	toolIndex       map[string]llm.Tool
	messagesByScope map[string][]map[string]any
	pendingTools    map[string]llm.ToolCall
	pendingConfirms map[string]pendingToolConfirm
	lastCallSID     map[string]string
	maxHistory      int
	maxTokens       int

	ctx context.Context
	obs metrics.Observer
}

const defaultLLMScope = "default"

const (
	defaultConfirmPrompt = "Before I proceed, do you want me to continue?"
	defaultCancelPrompt  = "Okay, I won't proceed."
	toolFailureMessage   = "The tool failed or timed out. Apologize briefly and offer to try again."
)

// pendingToolConfirm parks a tool call that must be spoken back to the
// customer before it runs, until their yes or no arrives.
type pendingToolConfirm struct {
	call    llm.ToolCall
	meta    map[string]string
	prompt  string
	created time.Time
}

func NewLLMProcessor(adapter llm.LLMAdapter, system string, tools []llm.Tool) *LLMProcessor {
	return &LLMProcessor{
		adapter:         adapter,
		system:          system,
		tools:           tools,
		toolIndex:       indexTools(tools),
		messagesByScope: make(map[string][]map[string]any),
		ctx:             context.Background(),
		pendingTools:    make(map[string]llm.ToolCall),
		pendingConfirms: make(map[string]pendingToolConfirm),
		lastCallSID:     make(map[string]string),
	}
}

func (p *LLMProcessor) Name() string { return "llm" }

func (p *LLMProcessor) SetObserver(obs metrics.Observer) {
	p.obs = obs
	if setter, ok := p.adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		setter.SetObserver(obs)
	}
}

func (p *LLMProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *LLMProcessor) SetTools(tools []llm.Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = tools
	p.toolIndex = indexTools(tools)
}

// SetMemoryLimits bounds history by message count and by an estimated
// token budget. Zero disables a bound.
func (p *LLMProcessor) SetMemoryLimits(maxHistory, maxTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxHistory = max(maxHistory, 0)
	p.maxTokens = max(maxTokens, 0)
}

func (p *LLMProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		return p.processSystem(f.(frames.SystemFrame))
	case frames.KindText:
		return p.processText(f.(frames.TextFrame))
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *LLMProcessor) processSystem(sf frames.SystemFrame) ([]frames.Frame, error) {
	meta := sf.Meta()
	scope := p.scopeKey(meta, meta[frames.MetaStreamID])
	if msg := meta[frames.MetaSystemMessage]; msg != "" {
		p.appendMessage(scope, map[string]any{"role": "system", "content": msg})
	}
	switch sf.Name() {
	case "call_end":
		p.clearCall(meta)
	case "tool_result":
		out, err := p.applyToolResult(sf)
		if err != nil {
			return []frames.Frame{sf}, nil
		}
		return append(out, sf), nil
	}
	// Greetings and reprompts carry their spoken text in meta; they skip
	// generation and go straight to synthesis.
	if greet := meta[frames.MetaGreetingText]; greet != "" {
		streamID := meta[frames.MetaStreamID]
		meta[frames.MetaSource] = "llm"
		p.appendMessage(scope, map[string]any{"role": "assistant", "content": greet})
		return []frames.Frame{frames.NewTextFrame(streamID, sf.PTS(), greet, meta)}, nil
	}
	return []frames.Frame{sf}, nil
}

func (p *LLMProcessor) processText(tf frames.TextFrame) ([]frames.Frame, error) {
	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	p.bindCallSID(meta)
	scope := p.scopeKey(meta, streamID)

	if out, ok := p.resolvePendingConfirmation(streamID, tf); ok {
		return out, nil
	}

	slog.Info("llm_input_received", "stream_id", streamID, "text", redact.Text(tf.Text()))

	llmCtx := p.contextWithUser(tf.Text(), scope)
	out := []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta)}

	slog.Info("llm_generating", "stream_id", streamID)

	resp, err := p.adapter.Generate(p.ctx, llmCtx)
	if err != nil {
		p.logGenerateError("llm_generate_error", errorsx.ReasonLLMGenerate, err, streamID)
		p.popLastMessage(scope) // rollback so the utterance can be retried
		return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)), nil
	}
	if len(resp.ToolCalls) > 0 {
		return append(out, p.dispatchToolCalls(streamID, resp.ToolCalls, meta)...), nil
	}
	ch, err := p.adapter.Stream(p.ctx, llmCtx)
	if err != nil {
		p.logGenerateError("llm_stream_error", errorsx.ReasonLLMStream, err, streamID)
		return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)), nil
	}
	return append(out, p.streamToFrames(tf, ch)...), nil
}

func (p *LLMProcessor) logGenerateError(event string, reason errorsx.ReasonCode, err error, streamID string) {
	if resilience.IsRateLimit(err) {
		reason = errorsx.ReasonLLMRateLimit
	}
	err = errorsx.Wrap(err, reason)
	slog.Error(event, "stream_id", streamID, "reason_code", string(errorsx.Reason(err)), "error", err)
}

// contextWithUser appends the utterance to the scope's history and
// returns a snapshot for generation.
func (p *LLMProcessor) contextWithUser(text, scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "user", "content": text})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	return llm.Context{Messages: cloneMessages(msgs), Tools: p.tools}
}

func (p *LLMProcessor) scopeKey(meta map[string]string, streamID string) string {
	if meta != nil {
		if callSID := strings.TrimSpace(meta[frames.MetaCallSID]); callSID != "" {
			return "call:" + callSID
		}
		if sid := strings.TrimSpace(meta[frames.MetaStreamID]); sid != "" {
			return "stream:" + sid
		}
	}
	if streamID != "" {
		return "stream:" + streamID
	}
	return defaultLLMScope
}

func scopeKeyOrDefault(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return defaultLLMScope
	}
	return scope
}

func (p *LLMProcessor) ensureMessagesLocked(scope string) []map[string]any {
	scope = scopeKeyOrDefault(scope)
	msgs, ok := p.messagesByScope[scope]
	if !ok {
		if p.system != "" {
			msgs = []map[string]any{{"role": "system", "content": p.system}}
		} else {
			msgs = []map[string]any{}
		}
		p.messagesByScope[scope] = msgs
	}
	return msgs
}

func (p *LLMProcessor) bindCallSID(meta map[string]string) {
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	if streamID == "" || callSID == "" {
		return
	}
	p.mu.Lock()
	p.lastCallSID[streamID] = callSID
	p.mu.Unlock()
}

func (p *LLMProcessor) clearCall(meta map[string]string) {
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	p.mu.Lock()
	delete(p.pendingConfirms, streamID)
	delete(p.lastCallSID, streamID)
	if streamID != "" {
		delete(p.messagesByScope, "stream:"+streamID)
	}
	if callSID != "" {
		delete(p.messagesByScope, "call:"+callSID)
	}
	p.mu.Unlock()
}

func (p *LLMProcessor) contextSnapshot(scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return llm.Context{Messages: cloneMessages(p.ensureMessagesLocked(scope)), Tools: p.tools}
}

func indexTools(tools []llm.Tool) map[string]llm.Tool {
	out := make(map[string]llm.Tool)
	for _, t := range tools {
		if t.Name != "" {
			out[t.Name] = t
		}
	}
	return out
}

// dispatchToolCalls either runs the calls immediately or, when one of
// the named tools requires spoken confirmation, parks them and asks.
func (p *LLMProcessor) dispatchToolCalls(streamID string, calls []llm.ToolCall, meta map[string]string) []frames.Frame {
	for _, call := range calls {
		p.mu.Lock()
		t, ok := p.toolIndex[call.Name]
		p.mu.Unlock()
		if ok && t.RequiresConfirmation {
			prompt := t.ConfirmationPrompt
			if prompt == "" {
				prompt = defaultConfirmPrompt
			}
			p.mu.Lock()
			if streamID != "" {
				p.pendingConfirms[streamID] = pendingToolConfirm{
					call:    call,
					meta:    maps.Clone(meta),
					prompt:  prompt,
					created: time.Now(),
				}
			}
			p.mu.Unlock()
			return []frames.Frame{p.promptFrame(streamID, "tool_confirm_prompt", prompt, meta)}
		}
	}
	out := []frames.Frame{frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_start", meta)}
	out = append(out, p.emitToolCalls(streamID, calls, meta)...)
	return append(out, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_end", meta))
}

// promptFrame builds a system frame whose greeting text the pipeline
// speaks verbatim, carrying call and trace identity forward.
func (p *LLMProcessor) promptFrame(streamID, name, text string, meta map[string]string) frames.SystemFrame {
	outMeta := map[string]string{
		frames.MetaStreamID:     streamID,
		frames.MetaGreetingText: text,
	}
	copyIdentity(outMeta, meta)
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), name, outMeta)
}

func copyIdentity(dst, src map[string]string) {
	if src == nil {
		return
	}
	for _, key := range []string{frames.MetaCallSID, frames.MetaTraceID} {
		if v := src[key]; v != "" {
			dst[key] = v
		}
	}
}

// resolvePendingConfirmation consumes the customer's reply to a parked
// tool call. Yes runs it, no cancels it, anything else re-asks.
func (p *LLMProcessor) resolvePendingConfirmation(streamID string, tf frames.TextFrame) ([]frames.Frame, bool) {
	p.mu.Lock()
	pending, ok := p.pendingConfirms[streamID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	confirm, cancel := confirmationIntent(tf.Text())
	switch {
	case confirm:
		p.mu.Lock()
		delete(p.pendingConfirms, streamID)
		p.mu.Unlock()
		meta := pending.meta
		if meta == nil {
			meta = map[string]string{}
		}
		meta[frames.MetaStreamID] = streamID
		out := []frames.Frame{frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_start", meta)}
		out = append(out, p.emitToolCalls(streamID, []llm.ToolCall{pending.call}, meta)...)
		return append(out, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_end", meta)), true
	case cancel:
		p.mu.Lock()
		delete(p.pendingConfirms, streamID)
		p.mu.Unlock()
		return []frames.Frame{p.promptFrame(streamID, "tool_confirm_cancelled", defaultCancelPrompt, pending.meta)}, true
	}

	prompt := pending.prompt
	if prompt == "" {
		prompt = defaultConfirmPrompt
	}
	return []frames.Frame{p.promptFrame(streamID, "tool_confirm_repeat", prompt, pending.meta)}, true
}

func (p *LLMProcessor) emitToolCalls(streamID string, calls []llm.ToolCall, meta map[string]string) []frames.Frame {
	var out []frames.Frame
	p.mu.Lock()
	for _, call := range calls {
		p.pendingTools[call.ID] = call
		args, _ := json.Marshal(call.Arguments)
		outMeta := map[string]string{
			frames.MetaStreamID:   streamID,
			frames.MetaToolCallID: call.ID,
			frames.MetaToolName:   call.Name,
			frames.MetaToolArgs:   string(args),
		}
		copyIdentity(outMeta, meta)
		out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlToolCall, outMeta))
	}
	p.mu.Unlock()
	return out
}

// applyToolResult records the tool round-trip in history and streams
// the model's spoken follow-up (for save_order, the confirmation
// sentence with the order summary).
func (p *LLMProcessor) applyToolResult(sf frames.SystemFrame) ([]frames.Frame, error) {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	scope := p.scopeKey(meta, streamID)
	callID := meta[frames.MetaToolCallID]
	result := meta[frames.MetaToolResult]
	status := strings.ToLower(meta[frames.MetaToolStatus])
	if status != "" && status != "ok" {
		p.appendMessage(scope, map[string]any{"role": "system", "content": toolFailureMessage})
	}
	if callID == "" || result == "" {
		return nil, nil
	}

	p.mu.Lock()
	call, ok := p.pendingTools[callID]
	if ok {
		delete(p.pendingTools, callID)
	}
	toolName := call.Name
	if toolName == "" {
		toolName = meta[frames.MetaToolName]
	}
	if status == "" {
		status = "ok"
	}
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{{
			"id":   callID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": call.Arguments,
			},
		}},
	})
	msgs = append(msgs, map[string]any{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      result,
	})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	p.mu.Unlock()

	fields := map[string]any{"tool": toolName, "status": status}
	if errMsg := meta[frames.MetaToolError]; errMsg != "" {
		fields["error"] = errMsg
	}
	p.record("tool_result", streamID, meta[frames.MetaTraceID], fields)

	ch, err := p.adapter.Stream(p.ctx, p.contextSnapshot(scope))
	if err != nil {
		p.logGenerateError("llm_stream_error", errorsx.ReasonLLMStream, err, streamID)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	return p.streamToFrames(frames.NewTextFrame(streamID, sf.PTS(), "", meta), ch), nil
}

// confirmationIntent scans for an explicit yes word or no word. Both
// false means the reply was ambiguous.
func confirmationIntent(text string) (bool, bool) {
	yesWords := map[string]struct{}{
		"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {}, "ok": {}, "okay": {},
		"correct": {}, "right": {}, "confirm": {}, "please": {},
	}
	noWords := map[string]struct{}{
		"no": {}, "nope": {}, "cancel": {}, "stop": {}, "wait": {}, "dont": {}, "not": {},
	}
	for _, tok := range splitTokens(strings.ToLower(strings.TrimSpace(text))) {
		if _, ok := yesWords[tok]; ok {
			return true, false
		}
		if _, ok := noWords[tok]; ok {
			return false, true
		}
	}
	return false, false
}

func splitTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func (p *LLMProcessor) pruneMessagesLocked(messages []map[string]any) []map[string]any {
	if len(messages) == 0 {
		return messages
	}
	if p.maxHistory > 0 {
		messages = pruneByHistory(messages, p.maxHistory)
	}
	if p.maxTokens > 0 {
		messages = pruneByTokens(messages, p.maxTokens)
	}
	return messages
}

// pruneByHistory drops the oldest non-system messages until at most
// maxHistory remain. System prompts are never pruned.
func pruneByHistory(messages []map[string]any, maxHistory int) []map[string]any {
	nonSystem := nonSystemIndices(messages)
	if len(nonSystem) <= maxHistory {
		return messages
	}
	drop := make(map[int]struct{})
	for _, idx := range nonSystem[:len(nonSystem)-maxHistory] {
		drop[idx] = struct{}{}
	}
	filtered := make([]map[string]any, 0, len(messages)-len(drop))
	for idx, msg := range messages {
		if _, ok := drop[idx]; !ok {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

func pruneByTokens(messages []map[string]any, maxTokens int) []map[string]any {
	for {
		total := 0
		for _, msg := range messages {
			if content, ok := msg["content"].(string); ok {
				total += len(splitTokens(content))
			}
		}
		if total <= maxTokens {
			return messages
		}
		nonSystem := nonSystemIndices(messages)
		if len(nonSystem) == 0 {
			return messages
		}
		messages = append(messages[:nonSystem[0]:nonSystem[0]], messages[nonSystem[0]+1:]...)
	}
}

func nonSystemIndices(messages []map[string]any) []int {
	out := make([]int, 0, len(messages))
	for i, msg := range messages {
		if role, _ := msg["role"].(string); strings.ToLower(role) != "system" {
			out = append(out, i)
		}
	}
	return out
}

// streamToFrames chunks tokens into text frames big enough to give the
// synthesizer natural phrasing, marking the last one as a flush.
func (p *LLMProcessor) streamToFrames(src frames.TextFrame, ch <-chan string) []frames.Frame {
	var out []frames.Frame
	var full strings.Builder
	var chunk strings.Builder
	first := true
	streamID := src.Meta()[frames.MetaStreamID]
	traceID := src.Meta()[frames.MetaTraceID]
	scope := p.scopeKey(src.Meta(), streamID)
	const minChunkLen = 120

	emitChunk := func(text string, flush bool) {
		meta := src.Meta()
		meta[frames.MetaSource] = "llm"
		if flush {
			meta[frames.MetaTTSFlush] = "true"
		}
		out = append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta))
	}

	for tok := range ch {
		full.WriteString(tok)
		chunk.WriteString(tok)
		if first {
			first = false
			p.record("llm_first_token", streamID, traceID, nil)
		}
		if chunk.Len() >= minChunkLen {
			emitChunk(chunk.String(), false)
			chunk.Reset()
		}
	}
	emitChunk(chunk.String(), true)

	if text := full.String(); text != "" {
		p.appendMessage(scope, map[string]any{"role": "assistant", "content": text})
		p.record("llm_output_text", streamID, traceID, map[string]any{"text": redact.Text(text)})
	}
	p.record("llm_done", streamID, traceID, nil)
	return out
}

func (p *LLMProcessor) appendMessage(scope string, msg map[string]any) {
	if content, ok := msg["content"].(string); ok && content == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := append(p.ensureMessagesLocked(scope), msg)
	p.messagesByScope[scopeKeyOrDefault(scope)] = p.pruneMessagesLocked(msgs)
}

func (p *LLMProcessor) popLastMessage(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	if len(msgs) == 0 {
		return
	}
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs[:len(msgs)-1]
}

func cloneMessages(in []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, m := range in {
		out = append(out, maps.Clone(m))
	}
	return out
}

func (p *LLMProcessor) record(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.mu.Lock()
	if callSID := p.lastCallSID[streamID]; callSID != "" {
		tags[frames.MetaCallSID] = callSID
	}
	p.mu.Unlock()
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

var _ pipeline.FrameProcessor = (*LLMProcessor)(nil)
