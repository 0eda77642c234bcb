// Package tts defines the vendor-neutral streaming text-to-speech
// contract the pipeline's TTS processor drives.
package tts

import (
	"context"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

// StreamingTTS is a live synthesis connection. SendText queues text;
// Flush aborts the current utterance on barge-in; Results yields audio
// frames ready for the transport.
type StreamingTTS interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendText(text string) error
	Flush()
	Results() <-chan frames.Frame
}

// Config carries the per-call parameters common to every vendor.
type Config struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
}
