package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

// STTProcessor owns one streaming STT session per stream. Audio frames
// are forwarded to the vendor session; transcript and flush frames
// drained from it travel downstream. Send failures reconnect with a
// short replay of recent audio so words spoken during the gap are not
// lost.
type STTProcessor struct {
	mu         sync.Mutex
	streams    map[string]*sttStream
	callStream map[string]string
	factory    func(callSID, streamID string) stt.StreamingSTT

	replayCfg      STTReplayConfig
	ctx            context.Context
	obs            metrics.Observer
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	forwardInterim bool
	provider       string
	breakerOpen    bool
}

// sttStream is everything tracked for one transport stream: the live
// vendor session, caller identity, and the reconnect replay buffer.
type sttStream struct {
	session       stt.StreamingSTT
	callSID       string
	from          string
	traceID       string
	replay        *audioReplayBuffer
	interimLogged bool
}

type STTReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

type audioReplayBuffer struct {
	maxChunks int
	chunks    []audioChunk
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	if maxChunks < 0 {
		maxChunks = 0
	}
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(chunk audioChunk) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([]audioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewSTTProcessor(factory func(callSID, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		streams:    make(map[string]*sttStream),
		callStream: make(map[string]string),
		factory:    factory,
		replayCfg:  STTReplayConfig{MaxChunks: 50},
		retry:      resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:    resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

// SetReplayBuffer configures how many recent audio chunks are replayed
// into a fresh session after a reconnect.
func (p *STTProcessor) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		for _, st := range p.streams {
			st.replay = nil
		}
	}
}

// SetForwardInterim toggles emitting interim transcript frames
// downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			meta := sf.Meta()
			streamID := meta[frames.MetaStreamID]
			if streamID == "" {
				streamID = p.streamForCall(meta[frames.MetaCallSID])
			}
			if streamID != "" {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	case frames.KindAudio:
		return p.processAudio(f.(frames.AudioFrame))
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *STTProcessor) processAudio(af frames.AudioFrame) ([]frames.Frame, error) {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	st := p.streamFor(streamID, meta)
	p.bufferReplay(st, af)
	traceID := st.traceID

	if !p.breaker.Allow() {
		p.markBreakerOpen(true, streamID, traceID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(af)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.markBreakerOpen(false, streamID, traceID)

	callSID := meta[frames.MetaCallSID]
	session, err := p.connect(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.noteFailure(err, streamID, traceID)
		frames.ReleaseAudioFrame(af)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	if p.provider == "" {
		p.provider = session.Name()
	}
	p.record("stt_audio_in", streamID, traceID, nil)

	if err := session.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		session, err = p.reconnectAndResend(streamID, callSID, af)
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSTTRetry)
			slog.Info("stt_retry_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			p.noteFailure(err, streamID, traceID)
			frames.ReleaseAudioFrame(af)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(af)

	// Heartbeat keeps the pipeline clock moving even through silence.
	out := []frames.Frame{frames.NewSystemFrame(streamID, af.PTS(), "heartbeat", nil)}
	out = append(out, p.drainResults(session.Results(), streamID)...)
	out = p.stampIdentity(out, streamID)
	for _, e := range out {
		if e.Kind() == frames.KindText {
			p.record("stt_final", streamID, traceID, nil)
			break
		}
	}
	return out, nil
}

// reconnectAndResend tears the session down, brings up a fresh one,
// replays the buffered tail once, and resends the failed frame.
func (p *STTProcessor) reconnectAndResend(streamID, callSID string, af frames.AudioFrame) (stt.StreamingSTT, error) {
	var session stt.StreamingSTT
	replayed := false
	err := p.retry.Do(func() error {
		p.CloseStream(streamID)
		var err error
		session, err = p.connect(streamID, callSID)
		if err != nil {
			return err
		}
		if !replayed {
			p.replayInto(streamID, session)
			replayed = true
		}
		return session.SendAudio(af)
	})
	return session, err
}

// streamFor returns the state for streamID, creating it and absorbing
// caller identity from the frame meta. A new stream arriving for a
// call that already has one closes the stale stream first.
func (p *STTProcessor) streamFor(streamID string, meta map[string]string) *sttStream {
	callSID := meta[frames.MetaCallSID]
	if callSID != "" && streamID != "" {
		p.mu.Lock()
		prev := p.callStream[callSID]
		p.mu.Unlock()
		if prev != "" && prev != streamID {
			p.CloseStream(prev)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &sttStream{}
		p.streams[streamID] = st
	}
	if callSID != "" {
		st.callSID = callSID
		p.callStream[callSID] = streamID
	}
	if v := meta[frames.MetaFromNumber]; v != "" {
		st.from = v
	}
	if v := meta[frames.MetaTraceID]; v != "" {
		st.traceID = v
	}
	return st
}

func (p *STTProcessor) connect(streamID, callSID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &sttStream{callSID: callSID}
		p.streams[streamID] = st
	}
	if st.session != nil {
		return st.session, nil
	}
	session := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := session.Start(p.ctx); err != nil {
		return nil, err
	}
	st.session = session
	return session, nil
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		return
	}
	if st.session != nil {
		_ = st.session.Close()
	}
	if st.callSID != "" && p.callStream[st.callSID] == streamID {
		delete(p.callStream, st.callSID)
	}
	delete(p.streams, streamID)
}

func (p *STTProcessor) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callStream[callSID]
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.streams {
		if st.session != nil {
			_ = st.session.Close()
		}
		delete(p.streams, id)
	}
	p.callStream = make(map[string]string)
}

func (p *STTProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() != frames.KindText {
				out = append(out, f)
				continue
			}
			tf := f.(frames.TextFrame)
			if tf.Meta()[frames.MetaIsFinal] != "true" {
				p.logInterim(streamID, tf.Text())
				p.mu.Lock()
				forward := p.forwardInterim
				p.mu.Unlock()
				if forward {
					out = append(out, tf)
				}
				continue
			}
			p.logFinal(streamID, tf.Text())
			out = append(out, tf)
		default:
			return out
		}
	}
}

func (p *STTProcessor) bufferReplay(st *sttStream, af frames.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replayCfg.MaxChunks <= 0 {
		return
	}
	if st.replay == nil {
		st.replay = newAudioReplayBuffer(p.replayCfg.MaxChunks)
	}
	st.replay.Add(audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	})
}

func (p *STTProcessor) replayInto(streamID string, session stt.StreamingSTT) {
	if session == nil || streamID == "" {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	var chunks []audioChunk
	if st != nil {
		chunks = st.replay.Snapshot()
	}
	p.mu.Unlock()
	for _, chunk := range chunks {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = session.SendAudio(af)
	}
}

// stampIdentity copies the caller number and trace id onto outgoing
// transcript frames so the order context can key on them.
func (p *STTProcessor) stampIdentity(in []frames.Frame, streamID string) []frames.Frame {
	p.mu.Lock()
	st := p.streams[streamID]
	var from, traceID string
	if st != nil {
		from, traceID = st.from, st.traceID
	}
	p.mu.Unlock()
	if from == "" && traceID == "" {
		return in
	}
	out := make([]frames.Frame, 0, len(in))
	for _, f := range in {
		if f.Kind() != frames.KindText {
			out = append(out, f)
			continue
		}
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaFromNumber] == "" {
			meta[frames.MetaFromNumber] = from
		}
		if meta[frames.MetaTraceID] == "" && traceID != "" {
			meta[frames.MetaTraceID] = traceID
		}
		out = append(out, frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta))
	}
	return out
}

func (p *STTProcessor) noteFailure(err error, streamID, traceID string) {
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, traceID, nil)
	}
	p.breaker.OnError(err)
}

func (p *STTProcessor) markBreakerOpen(open bool, streamID, traceID string) {
	if p.breakerOpen == open {
		if open {
			p.record(metrics.EventBreakerDenied, streamID, traceID, nil)
		}
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID, traceID, nil)
		p.record(metrics.EventBreakerDenied, streamID, traceID, nil)
	} else {
		p.record(metrics.EventBreakerClose, streamID, traceID, nil)
	}
}

func (p *STTProcessor) record(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.mu.Lock()
	if st := p.streams[streamID]; st != nil && st.callSID != "" {
		tags[frames.MetaCallSID] = st.callSID
	}
	p.mu.Unlock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

func (p *STTProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	st := p.streams[streamID]
	if st == nil || st.interimLogged {
		p.mu.Unlock()
		return
	}
	st.interimLogged = true
	traceID := st.traceID
	p.mu.Unlock()
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(streamID, text string) {
	p.mu.Lock()
	var traceID string
	if st := p.streams[streamID]; st != nil {
		traceID = st.traceID
	}
	p.mu.Unlock()
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
	p.record("stt_final_text", streamID, traceID, map[string]any{"text": safe})
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
