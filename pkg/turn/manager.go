// Package turn decides who holds the conversational floor: the caller
// placing an order or the barista agent reading it back. It owns
// barge-in detection and emits the flush/cancel signals that cut agent
// speech short when the caller talks over it.
package turn

import "time"

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Strategy selects how the agent yields the floor. Aggressive yields on
// barge-in; polite plays responses out in full.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// Manager receives conversation events from the pipeline processors and
// drives the turn state machine.
type Manager interface {
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnUserQuestion(text string)
	OnAgentThinkStart()
	OnAgentThinkEnd()
	OnAgentSpeechStart()
	OnAgentSpeechEnd()
	OnAudioComplete()
	OnSTTInput(duration time.Duration)
	AddListener(listener StateListener)
	State() State
	BargeInLatency() time.Duration
}
