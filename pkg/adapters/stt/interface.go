// Package stt defines the vendor-neutral streaming speech-to-text
// contract the pipeline's STT processor drives.
package stt

import (
	"context"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

// StreamingSTT is a live transcription connection. SendAudio pushes
// caller audio in; Results yields transcript text frames plus the
// provider's speech-boundary control frames.
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendAudio(frame frames.AudioFrame) error
	Results() <-chan frames.Frame
}

// Config carries the per-call parameters common to every vendor.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
