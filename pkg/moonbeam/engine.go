package moonbeam

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/aggregators"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/logging"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/observers"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/processors"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
	"github.com/moonbeamcoffee/moonbeam/pkg/runner"
	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	"github.com/moonbeamcoffee/moonbeam/pkg/turn"
)

// Engine ties the pieces together: one transport, a session registry
// that builds a pipeline per call, the tool registry for order
// capture, and the observability stack.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	obs       *observerStack
	ctx       context.Context
	cancel    context.CancelFunc

	tools    llm.ToolRegistry
	cleaners []pipeline.CallCleaner
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	Tools     llm.ToolRegistry
	// Extension points, inserted into the pipeline in order.
	PreProcessors   []pipeline.FrameProcessor
	BeforeContext   []pipeline.FrameProcessor
	BeforeLLM       []pipeline.FrameProcessor
	BeforeTTS       []pipeline.FrameProcessor
	PostProcessors  []pipeline.FrameProcessor
	ToolOptions     ToolDispatcherOptions
	SilenceReprompt *processors.SilenceRepromptConfig
}

// observerStack owns the metric observers that need closing on
// shutdown.
type observerStack struct {
	async    *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	cost     *observers.CostObserver
}

func newObserverStack(cfg Config) *observerStack {
	s := &observerStack{}
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(slog.Default()),
		observers.NewLoggerObserver(slog.Default()),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		s.timeline = observers.NewTimelineObserver(dir)
		s.cost = observers.NewCostObserver(dir)
		obsList = append(obsList, s.timeline, s.cost)
	}
	s.async = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)
	return s
}

func (s *observerStack) close() {
	if s.async != nil {
		s.async.Close()
	}
	if s.timeline != nil {
		_ = s.timeline.Close()
	}
	if s.cost != nil {
		_ = s.cost.Close()
	}
}

// recordAudio taps an audio frame into metrics under the given event
// name, optionally carrying the payload itself for call replay.
func (s *observerStack) recordAudio(name string, af frames.AudioFrame, includePayload bool) {
	if s.async == nil {
		return
	}
	meta := af.Meta()
	fields := map[string]any{
		"sample_rate": af.Rate(),
		"channels":    af.Channels(),
	}
	if includePayload {
		fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
	}
	s.async.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaStreamID: meta[frames.MetaStreamID],
			frames.MetaTraceID:  meta[frames.MetaTraceID],
			frames.MetaCallSID:  meta[frames.MetaCallSID],
			"component":         "transport",
		},
		Fields: fields,
	})
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	slog.SetDefault(logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat))
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("moonbeam_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	obs := newObserverStack(cfg)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if af, ok := f.(frames.AudioFrame); ok {
				obs.recordAudio("audio_out", af, cfg.Observability.RecordAudio)
			}
			_ = opts.Transport.Send(f)
		}
	}

	registry := pipeline.NewSessionRegistry(sessionFactory(cfg, providers, opts, obs, sink))
	cleaners := collectCleaners(opts)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Moonbeam Coffee Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			obs.close()
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		providers: providers,
		runner:    pipeline.NewDrainRunner(drainer, hooks, 30*time.Second),
		obs:       obs,
		ctx:       ctx,
		cancel:    cancel,
		tools:     opts.Tools,
		cleaners:  cleaners,
	}
}

// collectCleaners gathers every extension processor that carries
// per-call state so routeTransport can release it on call_end.
func collectCleaners(opts EngineOptions) []pipeline.CallCleaner {
	var cleaners []pipeline.CallCleaner
	lists := [][]pipeline.FrameProcessor{
		opts.PreProcessors,
		opts.BeforeContext,
		opts.BeforeLLM,
		opts.BeforeTTS,
		opts.PostProcessors,
	}
	for _, list := range lists {
		for _, p := range list {
			if c, ok := p.(pipeline.CallCleaner); ok {
				cleaners = append(cleaners, c)
			}
		}
	}
	return cleaners
}

// sessionFactory builds the per-call pipeline: denoise, STT, turn
// management, context assembly, generation, tool dispatch, synthesis,
// plus whatever extension processors the options carry.
func sessionFactory(cfg Config, providers *ProviderRegistry, opts EngineOptions, obs *observerStack, sink func(frames.Frame)) pipeline.SessionFactory {
	return func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, error) {
		sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		sttProc := processors.NewSTTProcessor(sttFactory)
		sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
		sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: max(cfg.Engine.STTReplayChunks, 0)})
		sttProc.SetObserver(obs.async)
		sttProc.SetContext(ctx)

		llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
		if err != nil {
			return nil, err
		}
		var tools []llm.Tool
		if opts.Tools != nil {
			tools = opts.Tools.Tools()
		}
		llmProc := processors.NewLLMProcessor(llmAdapter, "", tools)
		if cfg.Context.MaxHistory > 0 || cfg.Context.MaxTokens > 0 {
			llmProc.SetMemoryLimits(cfg.Context.MaxHistory, cfg.Context.MaxTokens)
		}
		llmProc.SetObserver(obs.async)
		llmProc.SetContext(ctx)

		ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
		if err != nil {
			return nil, err
		}
		ttsProc := processors.NewTTSProcessor(ttsFactory)
		ttsProc.SetObserver(obs.async)
		ttsProc.SetContext(ctx)

		toolOpts := opts.ToolOptions
		if isZeroToolOptions(toolOpts) {
			toolOpts = toolOptionsFromConfig(cfg)
		}
		dispatcher := NewToolDispatcherWithOptions(opts.Tools, nil, toolOpts)

		maxHistory := 10
		if cfg.Context.MaxHistory > 0 {
			maxHistory = cfg.Context.MaxHistory
		}
		ctxProc := processors.NewContextProcessor(aggregators.AggregatorConfig{
			MinLen:       2,
			MaxTokens:    128,
			MaxHistory:   maxHistory,
			FlushTimeout: 400 * time.Millisecond,
		}, cfg.BasePrompt)

		turnProc := processors.NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, processors.TurnProcessorConfig{
			BargeInThreshold: time.Duration(cfg.Turn.BargeInThresholdMS) * time.Millisecond,
			MinBargeIn:       time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
			EndOfTurnTimeout: time.Duration(cfg.Turn.EndOfTurnTimeoutMS) * time.Millisecond,
		})
		if opts.SilenceReprompt != nil {
			turnProc.SetSilenceReprompt(opts.SilenceReprompt)
		} else if reprompt := silenceRepromptFromConfig(cfg); reprompt != nil {
			turnProc.SetSilenceReprompt(reprompt)
		}
		ctxProc.SetTurnManager(turnProc.Manager())

		builder := pipeline.NewVoiceAgentBuilder()
		if cfg.Denoise.Enabled {
			denoise := processors.NewDenoiseProcessor()
			denoise.SetObserver(obs.async)
			builder = builder.WithDenoise(denoise)
		}
		for _, p := range opts.PreProcessors {
			if p != nil {
				builder = builder.WithPreProcessor(p)
			}
		}
		builder = builder.WithSTT(sttProc).
			WithTurnManager(turnProc).
			WithProcessorList(opts.BeforeContext).
			WithContext(ctxProc).
			WithProcessorList(opts.BeforeLLM).
			WithLLM(llmProc).
			WithProcessor(dispatcher).
			WithProcessorList(opts.BeforeTTS).
			WithTTS(ttsProc)
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(obs.async)
		dispatcher.SetInput(orch.In())
		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			sttProc.CloseAll()
			ttsProc.CloseAll()
		}()

		return orch, nil
	}
}

func silenceRepromptFromConfig(cfg Config) *processors.SilenceRepromptConfig {
	sr := cfg.Turn.SilenceReprompt
	if sr.TimeoutMS == 0 && sr.MaxAttempts == 0 && sr.PromptText == "" {
		return nil
	}
	return &processors.SilenceRepromptConfig{
		Timeout:     time.Duration(sr.TimeoutMS) * time.Millisecond,
		MaxAttempts: sr.MaxAttempts,
		PromptText:  sr.PromptText,
	}
}

func isZeroToolOptions(opts ToolDispatcherOptions) bool {
	return opts == ToolDispatcherOptions{}
}

func toolOptionsFromConfig(cfg Config) ToolDispatcherOptions {
	return ToolDispatcherOptions{
		Concurrency:       cfg.Tools.Concurrency,
		Timeout:           time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:           cfg.Tools.Retries,
		RetryBackoff:      time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
		SerializeByStream: cfg.Tools.SerializeByStream,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// routeTransport moves frames from the transport into the session
// owning the frame's call, creating the session on first contact and
// tearing it down on call_end.
func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			if callSID == "" || streamID == "" {
				continue
			}
			if af, ok := f.(frames.AudioFrame); ok {
				e.obs.recordAudio("audio_in", af, e.cfg.Observability.RecordAudio)
			}
			if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "call_end" {
				e.registry.Remove(callSID)
				for _, c := range e.cleaners {
					c.EndCall(callSID)
				}
				continue
			}
			sess, _, err := e.registry.GetOrCreate(callSID, streamID, meta[frames.MetaTraceID])
			if err != nil {
				if !errors.Is(err, pipeline.ErrDraining) {
					slog.Error("session create failed", "call_sid", callSID, "error", err)
				}
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
