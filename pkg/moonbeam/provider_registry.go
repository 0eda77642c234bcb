package moonbeam

import (
	"fmt"
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
)

// STTFactory and TTSFactory mint a fresh streaming session for each
// call; the engine calls them once per stream.
type STTFactory = func(callSID, streamID string) stt.StreamingSTT
type TTSFactory = func(callSID, streamID string) tts.StreamingTTS

type STTFactoryBuilder func(cfg Config, traceID string) (STTFactory, error)
type TTSFactoryBuilder func(cfg Config) (TTSFactory, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)

// ProviderRegistry maps vendor names from the config file to the
// builders that construct their adapters. Names are matched
// case-insensitively.
type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

func canonName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[canonName(name)] = builder
}

func (r *ProviderRegistry) RegisterTTS(name string, builder TTSFactoryBuilder) {
	r.tts[canonName(name)] = builder
}

func (r *ProviderRegistry) RegisterLLM(name string, builder LLMFactory) {
	r.llm[canonName(name)] = builder
}

func registered[T any](m map[string]T, kind, name string) (T, error) {
	builder, ok := m[canonName(name)]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s provider not registered: %s", kind, name)
	}
	return builder, nil
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (STTFactory, error) {
	builder, err := registered(r.stt, "stt", provider)
	if err != nil {
		return nil, err
	}
	return builder(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (TTSFactory, error) {
	builder, err := registered(r.tts, "tts", provider)
	if err != nil {
		return nil, err
	}
	return builder(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	builder, err := registered(r.llm, "llm", provider)
	if err != nil {
		return nil, err
	}
	return builder(cfg)
}
