package turn

import (
	"sync"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestBargeInEmitsAboveThreshold(t *testing.T) {
	emitter := &captureEmitter{}
	sm := newFSM(50*time.Millisecond, emitter)

	for _, s := range []State{StateListening, StateThinking, StateSpeaking} {
		if err := sm.Transition(s, "setup"); err != nil {
			t.Fatalf("transition to %s: %v", s.String(), err)
		}
	}

	sm.OnSTTInput(20 * time.Millisecond)
	if emitter.Count() != 0 {
		t.Fatalf("expected no interruption below threshold")
	}

	sm.OnSTTInput(80 * time.Millisecond)
	if emitter.Count() != 1 {
		t.Fatalf("expected interruption emitted above threshold")
	}
	if sm.State() != StateListening {
		t.Fatalf("expected state LISTENING after barge-in, got %s", sm.State().String())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	sm := newFSM(0, nil)
	if err := sm.Transition(StateSpeaking, "skip ahead"); err == nil {
		t.Fatalf("expected idle -> speaking to be rejected")
	}
	if sm.State() != StateIdle {
		t.Fatalf("state changed on rejected transition: %s", sm.State().String())
	}
}

func TestAudioCompleteReturnsFloor(t *testing.T) {
	sm := newFSM(0, nil)
	for _, s := range []State{StateListening, StateThinking, StateSpeaking} {
		if err := sm.Transition(s, "setup"); err != nil {
			t.Fatalf("transition to %s: %v", s.String(), err)
		}
	}
	sm.OnAudioComplete()
	if sm.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", sm.State().String())
	}
}
