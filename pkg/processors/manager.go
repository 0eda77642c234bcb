package processors

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/turn"
)

// TurnProcessor translates frame traffic into turn manager events and
// injects the frames the manager emits (barge-in flush/cancel) back
// into the pipeline. It also owns two timers: the silence reprompt
// that nudges a quiet caller, and the end-of-turn timeout that closes
// a turn when the recognizer never sends a final.
type TurnProcessor struct {
	mgr    turn.Manager
	emitCh chan frames.Frame
	lastID string

	mu              sync.Mutex
	silenceCfg      *SilenceRepromptConfig
	silenceTimer    *time.Timer
	repromptCount   int
	lastTraceID     string
	endOfTurnTTL    time.Duration
	endOfTurnTimer  *time.Timer
	endOfTurnStream string
}

type TurnProcessorConfig struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
	EndOfTurnTimeout time.Duration
}

// SilenceRepromptConfig controls the "are you still there" nudge after
// the barista finishes speaking and the caller stays quiet.
type SilenceRepromptConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	PromptText  string
}

func NewTurnProcessor(strategy turn.Strategy) *TurnProcessor {
	return NewTurnProcessorWithConfig(strategy, TurnProcessorConfig{})
}

func NewTurnProcessorWithConfig(strategy turn.Strategy, cfg TurnProcessorConfig) *TurnProcessor {
	tp := &TurnProcessor{
		emitCh:       make(chan frames.Frame, 32),
		endOfTurnTTL: cfg.EndOfTurnTimeout,
	}
	tp.mgr = turn.NewManagerWithOptions(strategy, &turnEmitter{out: tp.emitCh}, turn.ManagerOptions{
		BargeInThreshold: cfg.BargeInThreshold,
		MinBargeIn:       cfg.MinBargeIn,
	})
	return tp
}

func (p *TurnProcessor) SetSilenceReprompt(cfg *SilenceRepromptConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg != nil {
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = 2
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Second
		}
		if cfg.PromptText == "" {
			cfg.PromptText = "Are you still there?"
		}
	}
	p.silenceCfg = cfg
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) Manager() turn.Manager { return p.mgr }

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.mu.Lock()
		p.lastTraceID = traceID
		p.mu.Unlock()
	}
	if streamID := meta[frames.MetaStreamID]; streamID != "" {
		p.lastID = streamID
	}

	out := p.drain()
	switch f.Kind() {
	case frames.KindControl:
		p.observeControl(f.(frames.ControlFrame))
	case frames.KindText:
		p.observeText(f.(frames.TextFrame))
	case frames.KindSystem:
		p.observeSystem(f.(frames.SystemFrame))
	}
	out = append(out, f)
	return append(out, p.drain()...), nil
}

func (p *TurnProcessor) observeControl(cf frames.ControlFrame) {
	meta := cf.Meta()
	switch cf.Code() {
	case frames.ControlFlush:
		switch meta[frames.MetaSource] {
		case "stt", "vad", "audio_gate":
			if isEndOfTurnReason(meta[frames.MetaReason]) {
				p.stopEndOfTurnTimer()
				p.mgr.OnUserSpeechEnd()
			} else {
				p.onUserSpeechStart(meta[frames.MetaStreamID])
			}
		}
		p.resetSilenceTimer()
	case frames.ControlAudioReady:
		p.mgr.OnAudioComplete()
		p.startSilenceTimer()
	}
}

func (p *TurnProcessor) observeText(tf frames.TextFrame) {
	switch tf.Meta()[frames.MetaSource] {
	case "stt":
		p.resetSilenceTimer()
		if isFinal(tf.Meta()) {
			p.stopEndOfTurnTimer()
			p.mgr.OnUserSpeechEnd()
		} else {
			p.onUserSpeechStart(tf.Meta()[frames.MetaStreamID])
		}
	case "llm":
		p.mgr.OnAgentSpeechStart()
		p.resetSilenceTimer()
	}
}

func (p *TurnProcessor) observeSystem(sf frames.SystemFrame) {
	switch sf.Name() {
	case "thinking_start":
		p.mgr.OnAgentThinkStart()
	case "thinking_end":
		p.mgr.OnAgentThinkEnd()
	case "call_end":
		p.resetSilenceTimer()
		p.stopEndOfTurnTimer()
		p.mu.Lock()
		p.lastTraceID = ""
		p.mu.Unlock()
	}
}

func (p *TurnProcessor) drain() []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-p.emitCh:
			out = append(out, p.ensureStreamID(f))
		default:
			return out
		}
	}
}

// ensureStreamID stamps manager-emitted frames, which are built without
// stream context, with the stream last seen by Process.
func (p *TurnProcessor) ensureStreamID(f frames.Frame) frames.Frame {
	if p.lastID == "" {
		return f
	}
	meta := f.Meta()
	if meta[frames.MetaStreamID] != "" {
		return f
	}
	meta[frames.MetaStreamID] = p.lastID
	if meta[frames.MetaSource] == "" {
		meta[frames.MetaSource] = "turn"
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		return frames.NewControlFrame(p.lastID, cf.PTS(), cf.Code(), meta)
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		return frames.NewSystemFrame(p.lastID, sf.PTS(), sf.Name(), meta)
	case frames.KindText:
		tf := f.(frames.TextFrame)
		return frames.NewTextFrame(p.lastID, tf.PTS(), tf.Text(), meta)
	default:
		return f
	}
}

func (p *TurnProcessor) startSilenceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.silenceCfg
	if cfg == nil {
		return
	}
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
	}
	streamID := p.lastID
	p.silenceTimer = time.AfterFunc(cfg.Timeout, func() {
		p.fireReprompt(streamID, cfg.Timeout)
	})
}

func (p *TurnProcessor) fireReprompt(streamID string, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.silenceCfg
	if cfg == nil || streamID == "" || p.repromptCount >= cfg.MaxAttempts {
		return
	}
	p.repromptCount++
	meta := map[string]string{
		frames.MetaStreamID:        streamID,
		frames.MetaGreetingText:    cfg.PromptText,
		frames.MetaRepromptAttempt: strconv.Itoa(p.repromptCount),
	}
	if traceID := strings.TrimSpace(p.lastTraceID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	sf := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "reprompt", meta)
	select {
	case p.emitCh <- sf:
	default:
	}
	if p.repromptCount < cfg.MaxAttempts {
		p.silenceTimer = time.AfterFunc(timeout, func() {
			p.fireReprompt(streamID, timeout)
		})
	}
}

func (p *TurnProcessor) resetSilenceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
	p.repromptCount = 0
}

func (p *TurnProcessor) onUserSpeechStart(streamID string) {
	p.mgr.OnUserSpeechStart()
	p.startEndOfTurnTimer(streamID)
}

// startEndOfTurnTimer closes the turn by force if the recognizer goes
// quiet without ever marking the utterance final.
func (p *TurnProcessor) startEndOfTurnTimer(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endOfTurnTTL <= 0 || streamID == "" {
		return
	}
	if p.endOfTurnTimer != nil {
		p.endOfTurnTimer.Stop()
	}
	p.endOfTurnStream = streamID
	p.endOfTurnTimer = time.AfterFunc(p.endOfTurnTTL, func() {
		p.mu.Lock()
		if p.endOfTurnStream != streamID {
			p.mu.Unlock()
			return
		}
		p.endOfTurnTimer = nil
		traceID := strings.TrimSpace(p.lastTraceID)
		p.mu.Unlock()

		p.mgr.OnUserSpeechEnd()
		meta := map[string]string{
			frames.MetaStreamID: streamID,
			frames.MetaSource:   "turn",
			frames.MetaReason:   "speech_timeout",
		}
		if traceID != "" {
			meta[frames.MetaTraceID] = traceID
		}
		cf := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, meta)
		select {
		case p.emitCh <- cf:
		default:
		}
	})
}

func (p *TurnProcessor) stopEndOfTurnTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endOfTurnTimer != nil {
		p.endOfTurnTimer.Stop()
		p.endOfTurnTimer = nil
	}
	p.endOfTurnStream = ""
}

func isEndOfTurnReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "utterance_end", "speech_final", "end_of_turn", "speech_timeout":
		return true
	default:
		return false
	}
}

type turnEmitter struct {
	out chan frames.Frame
}

func (e *turnEmitter) Emit(frame frames.Frame) error {
	select {
	case e.out <- frame:
	default:
	}
	return nil
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)
