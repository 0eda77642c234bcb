package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type TTSConfig struct {
	StreamID       string
	CallSID        string
	SampleRate     int
	Channels       int
	EmitAudioReady bool
}

// StreamingTTS answers every SendText with 20 ms of silence, so
// orchestration tests can assert on plumbing without a synthesizer.
type StreamingTTS struct {
	cfg TTSConfig
	out chan frames.Frame

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.started = true
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.started = false
		close(s.out)
	}
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("not started")
	}

	// 20 ms of 16-bit mono silence at the configured rate.
	silence := make([]byte, s.cfg.SampleRate*2*s.cfg.Channels/50)
	s.out <- frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), silence, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "tts",
	})
	if s.cfg.EmitAudioReady {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, map[string]string{
			frames.MetaSource: "tts",
		})
	}
	return nil
}

func (s *StreamingTTS) Flush() {}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
