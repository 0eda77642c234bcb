package turn

import (
	"sync"
	"time"
)

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

type StateListener interface {
	OnStateChange(event StateChange)
}

// fsm tracks which side of the conversation holds the floor. The
// ordering caller and the barista agent alternate through
// IDLE -> LISTENING -> THINKING -> SPEAKING; any other hop is rejected.
type fsm struct {
	mu        sync.RWMutex
	state     State
	listeners []StateListener

	bargeInThreshold time.Duration
	emitter          InterruptEmitter

	listeningSince time.Time
	speakingSince  time.Time
}

func newFSM(bargeInThreshold time.Duration, emitter InterruptEmitter) *fsm {
	if bargeInThreshold <= 0 {
		bargeInThreshold = 500 * time.Millisecond
	}
	return &fsm{
		state:            StateIdle,
		bargeInThreshold: bargeInThreshold,
		emitter:          emitter,
	}
}

func (f *fsm) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func allowed(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateListening
	case StateListening:
		return to == StateThinking || to == StateIdle
	case StateThinking:
		return to == StateSpeaking || to == StateListening || to == StateIdle
	case StateSpeaking:
		return to == StateListening || to == StateIdle
	}
	return false
}

// Transition moves to a new state, rejecting hops the conversation
// model does not permit. Listeners are notified outside the lock.
func (f *fsm) Transition(to State, reason string) error {
	f.mu.Lock()
	if !allowed(f.state, to) {
		err := &InvalidTransitionError{From: f.state, To: to}
		f.mu.Unlock()
		return err
	}
	from := f.state
	f.state = to
	switch to {
	case StateListening:
		f.listeningSince = time.Now()
	case StateSpeaking:
		f.speakingSince = time.Now()
	}
	notify := make([]StateListener, len(f.listeners))
	copy(notify, f.listeners)
	f.mu.Unlock()

	evt := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, l := range notify {
		l.OnStateChange(evt)
	}
	return nil
}

func (f *fsm) AddListener(l StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// OnAudioComplete marks the end of agent playback and returns the
// floor to the caller.
func (f *fsm) OnAudioComplete() {
	if f.State() == StateSpeaking {
		_ = f.Transition(StateListening, "audio playback complete")
	}
}

// OnSTTInput receives the running duration of caller speech. Sustained
// speech while the agent is speaking counts as a barge-in: an
// interruption control frame is emitted and the floor flips back to
// the caller.
func (f *fsm) OnSTTInput(duration time.Duration) {
	f.mu.RLock()
	speaking := f.state == StateSpeaking
	threshold := f.bargeInThreshold
	emitter := f.emitter
	f.mu.RUnlock()

	if !speaking || duration <= threshold {
		return
	}
	if emitter != nil {
		_ = emitter.Emit(NewInterruptFrame("", time.Now().UnixNano()))
	}
	_ = f.Transition(StateListening, "barge-in detected")
}
