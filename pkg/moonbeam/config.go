package moonbeam

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	Tools         ToolsConfig           `mapstructure:"tools"`
	Context       ContextConfig         `mapstructure:"context"`
	Denoise       DenoiseConfig         `mapstructure:"denoise"`
	Orders        OrdersConfig          `mapstructure:"orders"`
	Greeting      GreetingConfig        `mapstructure:"greeting"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	BasePrompt    string                `mapstructure:"base_prompt"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
	Agent         AgentProfileConfig    `mapstructure:"agent"`
}

// VendorConfig names a provider and carries its vendor-specific
// settings opaquely; the provider registry validates them.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
}

type TurnConfig struct {
	BargeInThresholdMS int                   `mapstructure:"barge_in_threshold_ms"`
	MinBargeInMS       int                   `mapstructure:"min_barge_in_ms"`
	EndOfTurnTimeoutMS int                   `mapstructure:"end_of_turn_timeout_ms"`
	SilenceReprompt    SilenceRepromptConfig `mapstructure:"silence_reprompt"`
}

type SilenceRepromptConfig struct {
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	PromptText  string `mapstructure:"prompt_text"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type AgentProfileConfig struct {
	Persona string `mapstructure:"persona"`
	Style   string `mapstructure:"style"`
}

type ToolsConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	TimeoutMS         int  `mapstructure:"timeout_ms"`
	Retries           int  `mapstructure:"retries"`
	RetryBackoffMS    int  `mapstructure:"retry_backoff_ms"`
	SerializeByStream bool `mapstructure:"serialize_by_stream"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
	MaxTokens  int `mapstructure:"max_tokens"`
}

type DenoiseConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// OrdersConfig locates the directory saved orders are written to.
type OrdersConfig struct {
	Dir string `mapstructure:"dir"`
}

type GreetingConfig struct {
	Text string `mapstructure:"text"`
}

var configDefaults = map[string]any{
	"pipeline.async":                    true,
	"pipeline.stagebuffer":              128,
	"pipeline.highcapacity":             256,
	"pipeline.lowcapacity":              512,
	"pipeline.fairnessratio":            3,
	"pipeline.backpressure":             "drop",
	"engine.samplerate":                 8000,
	"engine.stt_replay_chunks":          50,
	"stt.forward_interim":               false,
	"turn.barge_in_threshold_ms":        500,
	"turn.min_barge_in_ms":              300,
	"turn.end_of_turn_timeout_ms":       0,
	"turn.silence_reprompt.timeout_ms":  0,
	"turn.silence_reprompt.max_attempts": 0,
	"turn.silence_reprompt.prompt_text": "",
	"tools.concurrency":                 4,
	"tools.timeout_ms":                  6000,
	"tools.retries":                     1,
	"tools.retry_backoff_ms":            200,
	"tools.serialize_by_stream":         true,
	"context.max_history":               12,
	"context.max_tokens":                0,
	"denoise.enabled":                   true,
	"orders.dir":                        "orders",
	"greeting.text":                     "",
	"environment":                       "development",
	"log_level":                         "info",
	"log_format":                        "text",
	"observability.artifacts_dir":       "",
	"observability.record_audio":        false,
	"observability.retention_days":      0,
	"privacy.redact_pii":                true,
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	for key, val := range configDefaults {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		backpressureHook(),
	))); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// backpressureHook decodes the YAML backpressure string ("drop",
// "wait", or a raw mode number) into a pipeline.BackpressureMode.
func backpressureHook() mapstructure.DecodeHookFuncType {
	modeType := reflect.TypeOf(pipeline.BackpressureMode(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != modeType {
			return data, nil
		}
		return parseBackpressure(data.(string)), nil
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	return nil
}

// expandEnvStrings applies ${VAR} expansion to every string in the
// config, including vendor settings maps, so API keys can live in the
// environment rather than the YAML file.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		// Older YAML decoders produce interface-keyed maps.
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(v)
			}
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := range v.NumField() {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
