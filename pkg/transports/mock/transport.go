// Package mock is an in-memory transport: tests push inbound frames
// with Push and read what the pipeline sent back from Sent.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.offer(t.sentCh, f)
	return nil
}

// Push injects an inbound frame. Frames that do not declare a
// participant kind are treated as web participants, matching how a
// browser client would arrive.
func (t *Transport) Push(f frames.Frame) {
	if meta := f.Meta(); meta != nil && meta[frames.MetaParticipantKind] == "" {
		meta[frames.MetaParticipantKind] = frames.ParticipantWeb
	}
	t.offer(t.recvCh, f)
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// offer drops the frame when the transport is stopped or the buffer
// is full; tests never block the pipeline.
func (t *Transport) offer(ch chan frames.Frame, f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case ch <- f:
	default:
	}
}
