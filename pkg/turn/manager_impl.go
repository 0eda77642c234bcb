package turn

import (
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type ManagerOptions struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
}

// manager layers debounced barge-in handling on top of the fsm. Caller
// speech must persist for MinBargeIn before buffered agent audio is
// flushed, so a cough or line noise does not cut the barista off.
type manager struct {
	mu         sync.RWMutex
	sm         *fsm
	strategy   Strategy
	emit       InterruptEmitter
	lastChange time.Time
	speechAt   time.Time
	minBargeIn time.Duration
	flushTimer *time.Timer
}

func NewManager(strategy Strategy, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, emitter InterruptEmitter, opts ManagerOptions) Manager {
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:         newFSM(opts.BargeInThreshold, emitter),
		strategy:   strategy,
		emit:       emitter,
		lastChange: time.Now(),
		minBargeIn: minBargeIn,
	}
}

func (m *manager) State() State {
	return m.sm.State()
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.sm.Transition(s, "manager state change")
}

func (m *manager) OnUserSpeechStart() {
	wasSpeaking := m.sm.State() == StateSpeaking
	m.setState(StateListening)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.speechAt = time.Now()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	if !wasSpeaking || m.strategy == nil || !m.strategy.BargeInEnabled() {
		return
	}
	// arm the debounce; the flush fires only if this same utterance is
	// still running when the timer expires
	start := m.speechAt
	m.flushTimer = time.AfterFunc(m.minBargeIn, func() {
		m.mu.Lock()
		live := m.sm.State() == StateListening && m.speechAt.Equal(start)
		m.mu.Unlock()
		if live {
			m.flushAgentAudio()
		}
	})
}

func (m *manager) OnUserSpeechEnd() {
	m.setState(StateThinking)
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.mu.Unlock()
}

func (m *manager) OnUserQuestion(text string) {
	if m.sm.State() == StateIdle {
		_ = m.sm.Transition(StateListening, "user question - entering listening")
	}
	m.setState(StateThinking)
}

func (m *manager) OnAgentThinkStart() {
	if m.sm.State() == StateIdle {
		_ = m.sm.Transition(StateListening, "agent think start - entering listening")
	}
	m.setState(StateThinking)
}

func (m *manager) OnAgentThinkEnd() {}

func (m *manager) OnAgentSpeechStart() {
	m.setState(StateSpeaking)
}

func (m *manager) OnAgentSpeechEnd() {
	m.setState(StateIdle)
}

func (m *manager) OnAudioComplete() {
	m.sm.OnAudioComplete()
}

func (m *manager) OnSTTInput(duration time.Duration) {
	m.sm.OnSTTInput(duration)
}

func (m *manager) BargeInLatency() time.Duration {
	return time.Since(m.lastChange)
}

func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

// flushAgentAudio drops everything the TTS has queued and cancels the
// in-flight response so the caller's correction wins.
func (m *manager) flushAgentAudio() {
	m.mu.RLock()
	emit := m.emit
	m.mu.RUnlock()
	if emit == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: "barge_in",
	}
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlFlush, meta))
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlCancel, meta))
}

// AggressiveStrategy lets callers talk over the agent; the order flow
// depends on it since callers routinely correct an item mid-readback.
type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

// PoliteStrategy disables barge-in for announcement style prompts that
// should play out in full.
type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }
