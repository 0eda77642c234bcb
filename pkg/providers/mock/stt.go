// Package mock provides in-process STT, TTS, and LLM adapters with
// scripted output, used by tests and the local smoke config.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	CallSID           string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
}

// StreamingSTT plays back the configured transcript sequence once,
// on the first SendAudio after Start.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) meta(kv ...string) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func (s *StreamingSTT) emitText(text, isFinal string) {
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, s.meta(frames.MetaIsFinal, isFinal))
}

func (s *StreamingSTT) emitFlush(reason string) {
	s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, s.meta(frames.MetaReason, reason))
}

// SendAudio emits the scripted sequence on the first call: optional
// VAD start, optional interim, the final transcript, a speech_final
// flush, and an optional utterance_end flush. Later calls are no-ops.
func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitVAD {
		s.emitFlush("speech_started")
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.emitText(interim, "false")
	}
	s.emitText(s.cfg.Transcript, "true")
	s.emitFlush("speech_final")
	if s.cfg.EmitUtteranceEnd {
		s.emitFlush("utterance_end")
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
