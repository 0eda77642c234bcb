package moonbeam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	providermock "github.com/moonbeamcoffee/moonbeam/pkg/providers/mock"
	transportmock "github.com/moonbeamcoffee/moonbeam/pkg/transports/mock"
)

// recordingCleaner is a pipeline stage that remembers which calls the
// engine told it to clean up.
type recordingCleaner struct {
	mu    sync.Mutex
	ended []string
}

func (c *recordingCleaner) Name() string { return "recording_cleaner" }

func (c *recordingCleaner) Process(f frames.Frame) ([]frames.Frame, error) {
	return []frames.Frame{f}, nil
}

func (c *recordingCleaner) EndCall(callSID string) {
	c.mu.Lock()
	c.ended = append(c.ended, callSID)
	c.mu.Unlock()
}

func (c *recordingCleaner) endedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ended...)
}

func mockProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("mock", func(cfg Config, traceID string) (STTFactory, error) {
		return func(callSID, streamID string) stt.StreamingSTT {
			return providermock.NewSTT(providermock.STTConfig{CallSID: callSID, StreamID: streamID})
		}, nil
	})
	reg.RegisterTTS("mock", func(cfg Config) (TTSFactory, error) {
		return func(callSID, streamID string) tts.StreamingTTS {
			return providermock.NewTTS(providermock.TTSConfig{})
		}, nil
	})
	reg.RegisterLLM("mock", func(cfg Config) (llm.LLMAdapter, error) {
		return providermock.NewLLMAdapter(providermock.LLMConfig{}), nil
	})
	return reg
}

func engineTestConfig() Config {
	var cfg Config
	cfg.Vendors.STT.Provider = "mock"
	cfg.Vendors.TTS.Provider = "mock"
	cfg.Vendors.LLM.Provider = "mock"
	cfg.Transports.Provider = "mock"
	cfg.Pipeline.HighCapacity = 16
	cfg.Pipeline.LowCapacity = 16
	return cfg
}

func waitForCount(t *testing.T, reg *pipeline.SessionRegistry, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session count = %d, want %d", reg.Count(), want)
}

// call_end never reaches the pipeline: the engine consumes it while
// routing. Stages holding per-call state get released through EndCall.
func TestEngineCallEndReleasesSessionAndState(t *testing.T) {
	transport := transportmock.New()
	cleaner := &recordingCleaner{}
	eng := NewEngine(EngineOptions{
		Config:        engineTestConfig(),
		Providers:     mockProviders(),
		Transport:     transport,
		PreProcessors: []pipeline.FrameProcessor{cleaner},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	meta := map[string]string{
		frames.MetaCallSID:  "CA100",
		frames.MetaStreamID: "stream-1",
	}
	transport.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_start", meta))
	waitForCount(t, eng.Registry(), 1)

	transport.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", meta))
	waitForCount(t, eng.Registry(), 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := cleaner.endedCalls(); len(calls) == 1 && calls[0] == "CA100" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cleaner saw %v, want [CA100]", cleaner.endedCalls())
}
