package pipeline

// VoiceAgentBuilder assembles the processor chain in three zones: pre
// (denoise, session bootstrap) ahead of STT, the core conversation
// stages, and post (serialization) after TTS. The named With methods
// document intent at wiring sites; zone placement is what matters.
type VoiceAgentBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
	post []FrameProcessor
}

func NewVoiceAgentBuilder() *VoiceAgentBuilder {
	return &VoiceAgentBuilder{}
}

func (b *VoiceAgentBuilder) WithProcessor(p FrameProcessor) *VoiceAgentBuilder {
	b.core = append(b.core, p)
	return b
}

// WithProcessorList appends non-nil processors in order; nil entries
// let callers wire optional stages without branching.
func (b *VoiceAgentBuilder) WithProcessorList(list []FrameProcessor) *VoiceAgentBuilder {
	for _, p := range list {
		if p != nil {
			b.core = append(b.core, p)
		}
	}
	return b
}

func (b *VoiceAgentBuilder) WithSTT(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithLLM(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithTTS(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithTurnManager(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithContext(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithDenoise(p FrameProcessor) *VoiceAgentBuilder {
	b.pre = append(b.pre, p)
	return b
}

func (b *VoiceAgentBuilder) WithPreProcessor(p FrameProcessor) *VoiceAgentBuilder {
	b.pre = append(b.pre, p)
	return b
}

func (b *VoiceAgentBuilder) WithSerializer(p FrameProcessor) *VoiceAgentBuilder {
	b.post = append(b.post, p)
	return b
}

func (b *VoiceAgentBuilder) Build(cfg Config) Orchestrator {
	chain := make([]FrameProcessor, 0, len(b.pre)+len(b.core)+len(b.post))
	chain = append(chain, b.pre...)
	chain = append(chain, b.core...)
	chain = append(chain, b.post...)
	return NewWithPipelineConfig(PipelineConfig{
		Config:     cfg,
		Processors: chain,
	})
}
