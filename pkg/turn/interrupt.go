package turn

import (
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

// InterruptEmitter injects control frames back at the head of the
// pipeline when the caller takes the floor.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

// NewInterruptFrame builds the start_interruption signal sent on
// barge-in.
func NewInterruptFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlStartInterruption, nil)
}
