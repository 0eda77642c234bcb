// Package pipeline runs frames through an ordered processor chain with
// priority scheduling, per-call session management, and lifecycle
// control.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
)

// FrameProcessor is one pipeline stage. Process may swallow a frame
// (return zero frames), pass it through, or fan it out into several;
// an error drops the input frame.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// CallCleaner is implemented by processors that keep per-call state.
// EndCall is invoked once the call's session has been torn down, after
// the pipeline has stopped, so implementations only need to drop state.
type CallCleaner interface {
	EndCall(callSID string)
}

// BackpressureMode picks what a full stage buffer does to a producer:
// drop the frame (voice traffic tolerates loss better than lag) or
// block until space frees up.
type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

// Config sizes the orchestrator's queues. HighCapacity bounds the
// control band, LowCapacity the audio/text band, and FairnessRatio is
// how many high-band frames may run ahead of a waiting low-band one.
type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

// PipelineConfig pairs queue sizing with an ordered stage list.
type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

// EngineConfig holds audio-path settings shared by every call:
// telephone audio is 8000 Hz mu-law, and STTReplayChunks bounds how
// much recent audio is replayed into a reconnected recognizer.
type EngineConfig struct {
	SampleRate      int `mapstructure:"samplerate"`
	STTReplayChunks int `mapstructure:"stt_replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"stt_replay_chunks", cfg.STTReplayChunks,
	)
}

// Orchestrator owns one call's frame flow from ingress queue to sink.
type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
