package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/configutil"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/moonbeam"
	"github.com/moonbeamcoffee/moonbeam/pkg/orders"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/moonbeamcoffee/moonbeam/pkg/processors"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/assemblyai"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/cartesia"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/deepgram"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/elevenlabs"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/mock"
	"github.com/moonbeamcoffee/moonbeam/pkg/providers/openai"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	mocktransport "github.com/moonbeamcoffee/moonbeam/pkg/transports/mock"
	twiliotransport "github.com/moonbeamcoffee/moonbeam/pkg/transports/twilio"
)

// Telephony audio arrives at 8 kHz mu-law; every vendor falls back to
// this rate when neither its settings block nor the engine config
// names one.
const fallbackSampleRate = 8000

func main() {
	_ = godotenv.Load(".env.local")

	var (
		configPath = flag.String("config", "cmd/moonbeam/config.local.yaml", "")
		dialTo     = flag.String("dial_to", "", "destination number for outbound call")
		dialFrom   = flag.String("dial_from", "", "caller ID for outbound call")
		dialURL    = flag.String("dial_url", "", "override voice URL for outbound call")
	)
	flag.Parse()

	if err := run(*configPath, *dialTo, *dialFrom, *dialURL); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, dialTo, dialFrom, dialURL string) error {
	cfg, err := moonbeam.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.BasePrompt = buildPrompt(cfg.BasePrompt, cfg.Agent.Persona, cfg.Agent.Style)

	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	store := orders.NewStore(cfg.Orders.Dir)

	app := moonbeam.NewEngine(moonbeam.EngineOptions{
		Config:        cfg,
		Providers:     newProviderRegistry(),
		Transport:     transport,
		Tools:         NewBaristaToolRegistry(store),
		PreProcessors: []pipeline.FrameProcessor{NewOrderBootstrap(cfg)},
		BeforeContext: []pipeline.FrameProcessor{newMishearingFixer()},
		BeforeTTS:     replyShapers(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	if dialTo != "" && dialFrom != "" {
		placeOutboundCall(ctx, transport, dialTo, dialFrom, dialURL)
	}

	waitForShutdown()
	return app.Stop()
}

// newMishearingFixer corrects transcriptions the speech vendors get
// wrong for coffee vocabulary. Only caller speech is touched.
func newMishearingFixer() *processors.TextNormalizer {
	return processors.NewTextNormalizer(processors.TextNormalizerConfig{
		Source: "stt",
		Replacements: map[string]string{
			"expresso":   "espresso",
			"expressos":  "espressos",
			"cappucino":  "cappuccino",
			"capuccino":  "cappuccino",
			"mocca":      "mocha",
			"machiato":   "macchiato",
			"oatmilk":    "oat milk",
			"soymilk":    "soy milk",
			"decaff":     "decaf",
			"extra-shot": "extra shot",
		},
	})
}

// replyShapers run on assistant text just before synthesis: error
// recovery, reply-length clamping, and comfort audio while the model
// is thinking.
func replyShapers() []pipeline.FrameProcessor {
	return []pipeline.FrameProcessor{
		processors.NewRecoveryProcessor(processors.RecoveryConfig{}),
		processors.NewResponseLimiter(processors.ResponseLimiterConfig{}),
		processors.NewFillerProcessor(os.Getenv("MOONBEAM_FILLER_AUDIO")),
	}
}

func placeOutboundCall(ctx context.Context, transport transports.Transport, to, from, voiceURL string) {
	dialer, ok := transport.(transports.OutboundDialer)
	if !ok {
		slog.Warn("transport cannot place outbound calls")
		return
	}
	callSID, err := dialer.Dial(ctx, to, from, voiceURL)
	if err != nil {
		slog.Error("outbound dial failed", "error", err)
		return
	}
	slog.Info("outbound call placed", "call_sid", callSID)
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func newProviderRegistry() *moonbeam.ProviderRegistry {
	reg := moonbeam.NewProviderRegistry()
	reg.RegisterSTT("assemblyai", assemblyAISTT)
	reg.RegisterSTT("deepgram", deepgramSTT)
	reg.RegisterSTT("mock", mockSTT)
	reg.RegisterTTS("cartesia", cartesiaTTS)
	reg.RegisterTTS("elevenlabs", elevenLabsTTS)
	reg.RegisterTTS("mock", mockTTS)
	reg.RegisterLLM("openai", openAILLM)
	reg.RegisterLLM("mock", mockLLM)
	return reg
}

// decodeVendor validates a settings block against its schema and
// decodes it into out. The path prefixes schema errors so a bad block
// is easy to find in the YAML.
func decodeVendor(path string, raw map[string]any, schema configutil.Schema, out any) error {
	if err := configutil.ValidateSettings(raw, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return configutil.DecodeSettings(raw, out)
}

func sampleRateOr(cfg moonbeam.Config, v int) int {
	if v > 0 {
		return v
	}
	if cfg.Engine.SampleRate > 0 {
		return cfg.Engine.SampleRate
	}
	return fallbackSampleRate
}

// pickEncoding normalizes an encoding choice against the values a
// vendor accepts, defaulting to the first one when the config leaves
// it empty.
func pickEncoding(path, got string, allowed ...string) (string, error) {
	got = strings.ToLower(strings.TrimSpace(got))
	if got == "" {
		return allowed[0], nil
	}
	for _, v := range allowed {
		if got == v {
			return got, nil
		}
	}
	return "", fmt.Errorf("%s must be one of [%s], got %s", path, strings.Join(allowed, ", "), got)
}

type assemblyAISettings struct {
	APIKey      string `mapstructure:"api_key"`
	SampleRate  int    `mapstructure:"sample_rate"`
	Encoding    string `mapstructure:"encoding"`
	FormatTurns *bool  `mapstructure:"format_turns"`
}

func assemblyAISTT(cfg moonbeam.Config, traceID string) (moonbeam.STTFactory, error) {
	var s assemblyAISettings
	if err := decodeVendor("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"sample_rate", "encoding", "format_turns"},
	}, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	encoding, err := pickEncoding("vendors.stt.settings.encoding", s.Encoding, "pcm_mulaw", "pcm_s16le")
	if err != nil {
		return nil, err
	}
	rate := sampleRateOr(cfg, s.SampleRate)
	formatTurns := configutil.BoolValue(s.FormatTurns, true)
	return func(callSID, streamID string) stt.StreamingSTT {
		return assemblyai.New(assemblyai.Config{
			APIKey:      s.APIKey,
			SampleRate:  rate,
			Encoding:    encoding,
			FormatTurns: formatTurns,
			StreamID:    streamID,
			CallSID:     callSID,
			TraceID:     traceID,
		})
	}, nil
}

type deepgramSettings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Language         string `mapstructure:"language"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Encoding         string `mapstructure:"encoding"`
	Interim          *bool  `mapstructure:"interim"`
	VADEvents        *bool  `mapstructure:"vad_events"`
	EchoCancellation *bool  `mapstructure:"echo_cancellation"`
	UtteranceEndMS   *int   `mapstructure:"utterance_end_ms"`
}

func deepgramSTT(cfg moonbeam.Config, traceID string) (moonbeam.STTFactory, error) {
	var s deepgramSettings
	if err := decodeVendor("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key", "model"},
		Optional: []string{"language", "sample_rate", "encoding", "interim", "vad_events", "echo_cancellation", "utterance_end_ms"},
	}, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.Model, "vendors.stt.settings.model"); err != nil {
		return nil, err
	}
	encoding, err := pickEncoding("vendors.stt.settings.encoding", s.Encoding, "mulaw", "linear16")
	if err != nil {
		return nil, err
	}
	utteranceEnd := configutil.IntValue(s.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	language := s.Language
	if language == "" {
		language = "en"
	}
	rate := sampleRateOr(cfg, s.SampleRate)
	interim := configutil.BoolValue(s.Interim, true)
	vadEvents := configutil.BoolValue(s.VADEvents, true)
	echoCancellation := configutil.BoolValue(s.EchoCancellation, true)
	return func(callSID, streamID string) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:           s.APIKey,
			Model:            s.Model,
			Language:         language,
			SampleRate:       rate,
			Encoding:         encoding,
			Interim:          interim,
			VADEvents:        vadEvents,
			EchoCancellation: echoCancellation,
			UtteranceEndMS:   utteranceEnd,
			StreamID:         streamID,
			CallSID:          callSID,
			TraceID:          traceID,
		})
	}, nil
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EmitVAD           *bool  `mapstructure:"emit_vad"`
	EmitUtteranceEnd  *bool  `mapstructure:"emit_utterance_end"`
}

func mockSTT(cfg moonbeam.Config, traceID string) (moonbeam.STTFactory, error) {
	var s mockSTTSettings
	if err := decodeVendor("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"transcript", "interim_transcript", "emit_interim", "emit_vad", "emit_utterance_end"},
	}, &s); err != nil {
		return nil, err
	}
	emitInterim := configutil.BoolValue(s.EmitInterim, false)
	emitVAD := configutil.BoolValue(s.EmitVAD, false)
	emitUtteranceEnd := configutil.BoolValue(s.EmitUtteranceEnd, false)
	return func(callSID, streamID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			StreamID:          streamID,
			CallSID:           callSID,
			TraceID:           traceID,
			Transcript:        s.Transcript,
			InterimTranscript: s.InterimTranscript,
			EmitInterim:       emitInterim,
			EmitVAD:           emitVAD,
			EmitUtteranceEnd:  emitUtteranceEnd,
		})
	}, nil
}

type cartesiaSettings struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	Language   string `mapstructure:"language"`
}

func cartesiaTTS(cfg moonbeam.Config) (moonbeam.TTSFactory, error) {
	var s cartesiaSettings
	if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "encoding", "sample_rate", "language"},
	}, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	encoding, err := pickEncoding("vendors.tts.settings.encoding", s.Encoding, "pcm_mulaw", "pcm_s16le")
	if err != nil {
		return nil, err
	}
	rate := sampleRateOr(cfg, s.SampleRate)
	return func(callSID, streamID string) tts.StreamingTTS {
		return cartesia.New(cartesia.Config{
			APIKey:     s.APIKey,
			VoiceID:    s.VoiceID,
			ModelID:    s.ModelID,
			Encoding:   encoding,
			SampleRate: rate,
			Language:   s.Language,
			StreamID:   streamID,
			CallSID:    callSID,
		})
	}, nil
}

type elevenLabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

func elevenLabsTTS(cfg moonbeam.Config) (moonbeam.TTSFactory, error) {
	var s elevenLabsSettings
	if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "sample_rate"},
	}, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	rate := sampleRateOr(cfg, s.SampleRate)
	return func(callSID, streamID string) tts.StreamingTTS {
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			SampleRate:   rate,
			StreamID:     streamID,
			CallSID:      callSID,
		})
	}, nil
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

func mockTTS(cfg moonbeam.Config) (moonbeam.TTSFactory, error) {
	var s mockTTSSettings
	if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
	}, &s); err != nil {
		return nil, err
	}
	rate := sampleRateOr(cfg, s.SampleRate)
	channels := s.Channels
	if channels == 0 {
		channels = 1
	}
	emitAudioReady := configutil.BoolValue(s.EmitAudioReady, false)
	return func(callSID, streamID string) tts.StreamingTTS {
		return mock.NewTTS(mock.TTSConfig{
			StreamID:       streamID,
			CallSID:        callSID,
			SampleRate:     rate,
			Channels:       channels,
			EmitAudioReady: emitAudioReady,
		})
	}, nil
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

func openAILLM(cfg moonbeam.Config) (llm.LLMAdapter, error) {
	var s openAISettings
	if err := decodeVendor("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key", "model"},
		Optional: []string{"base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
	}, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.Model, "vendors.llm.settings.model"); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		adapter.BaseURL = s.BaseURL
	}
	if !configutil.BoolValue(s.UseCircuitBreaker, true) {
		return adapter, nil
	}
	threshold := s.CircuitThreshold
	if threshold == 0 {
		threshold = 3
	}
	cooldown := s.CircuitCooldownMs
	if cooldown == 0 {
		cooldown = 30000
	}
	breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
	return llm.NewCircuitBreakerAdapter(adapter, breaker), nil
}

type mockLLMSettings struct {
	ResponseText string         `mapstructure:"response_text"`
	ToolCalls    []mockToolCall `mapstructure:"tool_calls"`
	StreamChunks []string       `mapstructure:"stream_chunks"`
}

type mockToolCall struct {
	ID        string         `mapstructure:"id"`
	Name      string         `mapstructure:"name"`
	Arguments map[string]any `mapstructure:"arguments"`
}

func mockLLM(cfg moonbeam.Config) (llm.LLMAdapter, error) {
	var s mockLLMSettings
	if err := decodeVendor("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"response_text", "tool_calls", "stream_chunks"},
	}, &s); err != nil {
		return nil, err
	}
	toolCalls := make([]llm.ToolCall, 0, len(s.ToolCalls))
	for i, tc := range s.ToolCalls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = fmt.Sprintf("mock-tool-%d", i+1)
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:        id,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		ResponseText: s.ResponseText,
		ToolCalls:    toolCalls,
		StreamChunks: s.StreamChunks,
	}), nil
}

type twilioSettings struct {
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	PublicURL          string   `mapstructure:"public_url"`
	ServerAddr         string   `mapstructure:"server_addr"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func buildTransport(cfg moonbeam.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		var s twilioSettings
		if err := decodeVendor("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "tts_webhook_path", "status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins"},
		}, &s); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(s.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(s.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twiliotransport.New(twiliotransport.Config{
			AccountSID:         s.AccountSID,
			AuthToken:          s.AuthToken,
			PublicURL:          s.PublicURL,
			ServerAddr:         s.ServerAddr,
			VoicePath:          s.VoicePath,
			WebsocketPath:      s.WebsocketPath,
			TTSWebhookPath:     s.TTSWebhookPath,
			StatusCallbackPath: s.StatusCallbackPath,
			VoiceGreeting:      s.VoiceGreeting,
			AllowAnyOrigin:     s.AllowAnyOrigin,
			AllowedOrigins:     s.AllowedOrigins,
		}), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}
