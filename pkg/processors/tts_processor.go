package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/logging"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

// TTSProcessor turns assistant text into caller audio. One vendor
// session per stream; synthesized frames are drained opportunistically
// on every pass so audio reaches the caller as soon as the vendor
// produces it. Cancel and barge-in tear the session down mid-utterance.
type TTSProcessor struct {
	mu         sync.Mutex
	streams    map[string]*ttsStream
	callStream map[string]string
	factory    func(callSID, streamID string) tts.StreamingTTS

	ctx          context.Context
	obs          metrics.Observer
	outputFormat string
	breaker      *resilience.CircuitBreaker
	retry        resilience.RetryPolicy
	breakerOpen  bool
	provider     string
	logger       *slog.Logger
}

type ttsStream struct {
	session    tts.StreamingTTS
	callSID    string
	traceID    string
	firstAudio bool
}

// flushSender is implemented by vendors whose protocol carries an
// explicit flush flag alongside text, letting a final fragment and the
// flush ride one message.
type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewTTSProcessor(factory func(callSID, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		streams:      make(map[string]*ttsStream),
		callStream:   make(map[string]string),
		factory:      factory,
		outputFormat: "ulaw_8000",
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		p.bindCall(callSID, streamID)
	}

	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			if streamID == "" {
				streamID = p.streamForCall(meta[frames.MetaCallSID])
			}
			if streamID != "" {
				p.CloseStream(streamID)
			}
			return []frames.Frame{f}, nil
		}
		return append(p.drain(streamID), f), nil
	case frames.KindControl:
		return p.processControl(f.(frames.ControlFrame), streamID), nil
	case frames.KindText:
		return p.processText(f.(frames.TextFrame), streamID), nil
	default:
		return append(p.drain(streamID), f), nil
	}
}

func (p *TTSProcessor) processControl(cf frames.ControlFrame, streamID string) []frames.Frame {
	if cf.Code() == frames.ControlStartInterruption {
		p.withSession(streamID, func(s tts.StreamingTTS) {
			s.Flush()
			p.logger.Info("tts interruption received", slog.String("stream_id", streamID))
		})
		return []frames.Frame{cf}
	}

	out := p.drain(streamID)
	switch cf.Code() {
	case frames.ControlFlush:
		p.withSession(streamID, func(s tts.StreamingTTS) {
			s.Flush()
			p.logger.Info("tts flush signal received", slog.String("stream_id", streamID))
		})
	case frames.ControlCancel:
		p.logger.Info("tts cancel signal received", slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlFallback:
		p.logger.Info("tts fallback signal received", slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlAudioReady:
		out = append(out, p.drain(streamID)...)
	}
	return append(out, cf)
}

func (p *TTSProcessor) processText(tf frames.TextFrame, streamID string) []frames.Frame {
	meta := tf.Meta()
	callSID := meta[frames.MetaCallSID]
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.setTrace(streamID, traceID)
	}
	flushRequested := meta[frames.MetaTTSFlush] == "true"

	if strings.TrimSpace(tf.Text()) == "" {
		if flushRequested {
			p.withSession(streamID, func(s tts.StreamingTTS) {
				p.flushSession(s, "")
				p.logger.Info("tts flush requested", slog.String("stream_id", streamID))
			})
		}
		return nil
	}

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		p.logger.Warn("tts circuit breaker open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
		return p.fallback(streamID, meta)
	}
	p.setBreakerOpen(false, streamID)

	session, err := p.getOrCreate(streamID, callSID)
	if err != nil {
		p.failed(errorsx.Wrap(err, errorsx.ReasonTTSConnect), "tts connection failed", streamID)
		return p.fallback(streamID, meta)
	}

	p.logger.Info("tts request",
		slog.String("stream_id", streamID),
		slog.String("text", clipText(redact.Text(tf.Text()))),
		slog.Int("text_length", len(tf.Text())),
		slog.String("output_format", p.outputFormat))

	if err := p.send(session, tf.Text(), flushRequested); err != nil {
		p.logger.Error("tts send failed",
			slog.String("stream_id", streamID),
			slog.String("error", errorsx.Wrap(err, errorsx.ReasonTTSSend).Error()))
		err = p.retry.Do(func() error {
			p.CloseStream(streamID)
			session, err = p.getOrCreate(streamID, callSID)
			if err != nil {
				return err
			}
			return p.send(session, tf.Text(), flushRequested)
		})
		if err != nil {
			p.failed(errorsx.Wrap(err, errorsx.ReasonTTSRetry), "tts send failed after retry", streamID)
			return p.fallback(streamID, meta)
		}
	}

	p.breaker.OnSuccess()
	return p.drain(streamID)
}

// send delivers text to the vendor, folding a requested flush into the
// same message when the vendor protocol allows it.
func (p *TTSProcessor) send(session tts.StreamingTTS, text string, flush bool) error {
	if flush {
		if sender, ok := session.(flushSender); ok {
			return sender.SendTextWithOptions(text, true)
		}
		if err := session.SendText(text); err != nil {
			return err
		}
		session.Flush()
		return nil
	}
	return session.SendText(text)
}

func (p *TTSProcessor) flushSession(session tts.StreamingTTS, text string) {
	if sender, ok := session.(flushSender); ok {
		_ = sender.SendTextWithOptions(text, true)
		return
	}
	session.Flush()
}

// fallback emits the control frame the response limiter converts into
// a canned apology, with any already-synthesized audio ahead of it.
func (p *TTSProcessor) fallback(streamID string, meta map[string]string) []frames.Frame {
	out := p.drain(streamID)
	return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
}

func (p *TTSProcessor) failed(err error, msg, streamID string) {
	p.logger.Error(msg,
		slog.String("stream_id", streamID),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
	p.breaker.OnError(err)
}

func (p *TTSProcessor) getOrCreate(streamID, callSID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{callSID: callSID}
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
	p.logger.Info("tts session created",
		slog.String("stream_id", streamID),
		slog.String("output_format", p.outputFormat))
	st.session = session
	if p.provider == "" {
		p.provider = session.Name()
	}
	return session, nil
}

func (p *TTSProcessor) bindCall(callSID, streamID string) {
	if callSID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	prev := p.callStream[callSID]
	p.mu.Unlock()
	if prev != "" && prev != streamID {
		p.CloseStream(prev)
	}
	p.mu.Lock()
	p.callStream[callSID] = streamID
	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{}
		p.streams[streamID] = st
	}
	st.callSID = callSID
	p.mu.Unlock()
}

func (p *TTSProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
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

func (p *TTSProcessor) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callStream[callSID]
}

func (p *TTSProcessor) CloseAll() {
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

func (p *TTSProcessor) withSession(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	var session tts.StreamingTTS
	if st != nil {
		session = st.session
	}
	p.mu.Unlock()
	if session != nil {
		fn(session)
	}
}

func (p *TTSProcessor) drain(streamID string) []frames.Frame {
	var out []frames.Frame
	p.withSession(streamID, func(session tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-session.Results():
				if !ok {
					return
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	if len(out) > 0 {
		p.recordFirstAudio(streamID)
	}
	return out
}

// recordFirstAudio emits tts_first_audio once per stream; it is the
// synthesis half of the time-to-first-byte number.
func (p *TTSProcessor) recordFirstAudio(streamID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	if st == nil || st.firstAudio {
		p.mu.Unlock()
		return
	}
	st.firstAudio = true
	p.mu.Unlock()
	p.record("tts_first_audio", streamID)
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	if traceID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{}
		p.streams[streamID] = st
	}
	st.traceID = traceID
}

func (p *TTSProcessor) setBreakerOpen(open bool, streamID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *TTSProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
	p.mu.Lock()
	if st := p.streams[streamID]; st != nil {
		if st.traceID != "" {
			tags[frames.MetaTraceID] = st.traceID
		}
		if st.callSID != "" {
			tags[frames.MetaCallSID] = st.callSID
		}
	}
	p.mu.Unlock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
