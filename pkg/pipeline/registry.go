package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDraining is returned when a new call arrives while the engine is
// shutting down; the transport should decline the call.
var ErrDraining = errors.New("registry draining")

// Session is one live call: its orchestrator, identity, and cancel
// scope. Sessions are keyed by call SID, not stream SID, so a Twilio
// websocket reconnect lands back on the same conversation.
type Session struct {
	CallSID  string
	StreamID string
	TraceID  string
	Orch     Orchestrator
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
}

func (s *Session) close() {
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Orch != nil {
		_ = s.Orch.Stop()
	}
}

type SessionFactory func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, error)

// SessionRegistry tracks live calls and builds pipelines for new ones.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  SessionFactory
	draining bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// GetOrCreate returns the session for callSID, building and starting a
// new one when none exists. The bool reports whether a new session was
// created. The factory and orchestrator start run outside the lock so
// a slow provider handshake cannot stall other calls; two racing
// creators resolve on re-check, and the loser's orchestrator is
// stopped before it ever sees a frame.
func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID string) (*Session, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}
	r.mu.RLock()
	sess, ok := r.sessions[callSID]
	draining := r.draining
	r.mu.RUnlock()
	if ok {
		return sess, false, nil
	}
	if draining {
		return nil, false, ErrDraining
	}

	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, callSID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, false, err
	}
	sess = &Session{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Orch:     orch,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
	}

	r.mu.Lock()
	if existing, ok := r.sessions[callSID]; ok {
		r.mu.Unlock()
		sess.close()
		return existing, false, nil
	}
	r.sessions[callSID] = sess
	r.mu.Unlock()
	return sess, true, nil
}

func (r *SessionRegistry) Get(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callSID]
	return sess, ok
}

func (r *SessionRegistry) Remove(callSID string) {
	r.mu.Lock()
	sess, ok := r.sessions[callSID]
	if ok {
		delete(r.sessions, callSID)
	}
	r.mu.Unlock()
	if ok {
		sess.close()
	}
}

func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	closing := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range closing {
		sess.close()
	}
}

func (r *SessionRegistry) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.sessions))
}

// SetDraining flips the refuse-new-calls gate used during shutdown.
func (r *SessionRegistry) SetDraining(v bool) {
	r.mu.Lock()
	r.draining = v
	r.mu.Unlock()
}

func (r *SessionRegistry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// WaitForEmpty polls until every call has ended or ctx expires,
// reporting whether the registry drained in time.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
