package main

import (
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/moonbeam"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

// OrderBootstrap seeds shared context and speaks the greeting when a call
// starts. The greeting fires exactly once per call, keyed by call SID so a
// reconnected media stream does not greet the caller a second time.
type OrderBootstrap struct {
	greeting string
	mu       sync.Mutex
	greeted  map[string]bool
}

func NewOrderBootstrap(cfg moonbeam.Config) *OrderBootstrap {
	greeting := strings.TrimSpace(cfg.Greeting.Text)
	if greeting == "" {
		greeting = defaultGreeting
	}
	return &OrderBootstrap{
		greeting: greeting,
		greeted:  make(map[string]bool),
	}
}

func (b *OrderBootstrap) Name() string { return "order_bootstrap" }

func (b *OrderBootstrap) Process(f frames.Frame) ([]frames.Frame, error) {
	sf, ok := f.(frames.SystemFrame)
	if !ok {
		return []frames.Frame{f}, nil
	}
	meta := sf.Meta()
	switch sf.Name() {
	case "call_end":
		if scope := b.scopeKey(meta); scope != "" {
			b.mu.Lock()
			delete(b.greeted, scope)
			b.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	case "call_start":
	default:
		return []frames.Frame{f}, nil
	}

	streamID := meta[frames.MetaStreamID]
	traceID := meta[frames.MetaTraceID]

	out := []frames.Frame{f}

	// Seed global context for shared state.
	global := map[string]string{
		frames.MetaStreamID: streamID,
		"global_channel":    "voice",
		"global_product":    "coffee",
	}
	if traceID != "" {
		global[frames.MetaTraceID] = traceID
	}
	if from := meta[frames.MetaFromNumber]; from != "" {
		global["global_customer_id"] = from
	}
	out = append(out, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "global_bootstrap", global))

	if streamID != "" && b.markGreeted(b.scopeKey(meta)) {
		greetMeta := map[string]string{
			frames.MetaStreamID:     streamID,
			frames.MetaGreetingText: b.greeting,
		}
		if callSID := meta[frames.MetaCallSID]; callSID != "" {
			greetMeta[frames.MetaCallSID] = callSID
		}
		if traceID != "" {
			greetMeta[frames.MetaTraceID] = traceID
		}
		out = append(out, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "greeting", greetMeta))
	}

	return out, nil
}

func (b *OrderBootstrap) scopeKey(meta map[string]string) string {
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		return callSID
	}
	return meta[frames.MetaStreamID]
}

// EndCall releases the greeting state for a call whose session the
// engine tore down. The engine consumes call_end before the pipeline
// sees it, so Process alone cannot observe the teardown.
func (b *OrderBootstrap) EndCall(callSID string) {
	if callSID == "" {
		return
	}
	b.mu.Lock()
	delete(b.greeted, callSID)
	b.mu.Unlock()
}

func (b *OrderBootstrap) markGreeted(scope string) bool {
	if scope == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.greeted[scope] {
		return false
	}
	b.greeted[scope] = true
	return true
}

var _ pipeline.FrameProcessor = (*OrderBootstrap)(nil)
var _ pipeline.CallCleaner = (*OrderBootstrap)(nil)
