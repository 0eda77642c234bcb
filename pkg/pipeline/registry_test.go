package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
)

type stubOrchestrator struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (s *stubOrchestrator) Start() error {
	s.started.Store(true)
	return nil
}

func (s *stubOrchestrator) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *stubOrchestrator) In() chan frames.Frame                { return nil }
func (s *stubOrchestrator) Out() chan frames.Frame               { return nil }
func (s *stubOrchestrator) AddProcessor(p FrameProcessor) error  { return nil }
func (s *stubOrchestrator) SetContext(ctx context.Context)       {}
func (s *stubOrchestrator) SetSink(sink func(frames.Frame))      {}
func (s *stubOrchestrator) SetObserver(obs metrics.Observer)     {}

func stubFactory(orch *stubOrchestrator) SessionFactory {
	return func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, error) {
		return orch, nil
	}
}

func TestRegistryCreatesOncePerCall(t *testing.T) {
	orch := &stubOrchestrator{}
	reg := NewSessionRegistry(stubFactory(orch))

	sess, created, err := reg.GetOrCreate("CA1", "MZ1", "trace-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || sess == nil {
		t.Fatalf("expected new session, created=%v", created)
	}
	if !orch.started.Load() {
		t.Fatalf("orchestrator not started")
	}

	again, created, err := reg.GetOrCreate("CA1", "MZ2", "trace-2")
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if created || again != sess {
		t.Fatalf("expected same session on reconnect")
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d", reg.Count())
	}
}

func TestRegistryRemoveStopsOrchestrator(t *testing.T) {
	orch := &stubOrchestrator{}
	reg := NewSessionRegistry(stubFactory(orch))
	if _, _, err := reg.GetOrCreate("CA1", "MZ1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg.Remove("CA1")
	if !orch.stopped.Load() {
		t.Fatalf("orchestrator not stopped")
	}
	if _, ok := reg.Get("CA1"); ok {
		t.Fatalf("session still present after remove")
	}
	if reg.Count() != 0 {
		t.Fatalf("count = %d", reg.Count())
	}
}

func TestRegistryRefusesNewCallsWhileDraining(t *testing.T) {
	reg := NewSessionRegistry(stubFactory(&stubOrchestrator{}))
	if _, _, err := reg.GetOrCreate("CA1", "MZ1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.SetDraining(true)

	if _, _, err := reg.GetOrCreate("CA2", "MZ2", ""); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	// Reconnects for live calls still succeed during the drain.
	if _, created, err := reg.GetOrCreate("CA1", "MZ3", ""); err != nil || created {
		t.Fatalf("reconnect during drain: created=%v err=%v", created, err)
	}
}

func TestRegistryFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("provider down")
	reg := NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, error) {
		return nil, boom
	})
	if _, _, err := reg.GetOrCreate("CA1", "MZ1", ""); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("failed create left a session behind")
	}
}

func TestRegistryWaitForEmpty(t *testing.T) {
	reg := NewSessionRegistry(stubFactory(&stubOrchestrator{}))
	if _, _, err := reg.GetOrCreate("CA1", "MZ1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Remove("CA1")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("registry did not drain")
	}
}
