package moonbeam

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orders.Dir != "orders" {
		t.Fatalf("orders dir = %q", cfg.Orders.Dir)
	}
	if !cfg.Denoise.Enabled {
		t.Fatalf("expected denoise enabled by default")
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Fatalf("sample rate = %d", cfg.Engine.SampleRate)
	}
	if cfg.Tools.Concurrency != 4 {
		t.Fatalf("tool concurrency = %d", cfg.Tools.Concurrency)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected redaction on by default")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GREETING", "Hello from Moonbeam")
	t.Setenv("TEST_API_KEY", "sk-test")
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
greeting:
  text: ${TEST_GREETING}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Greeting.Text != "Hello from Moonbeam" {
		t.Fatalf("greeting = %q", cfg.Greeting.Text)
	}

	cfg, err = LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: openai
    settings:
      api_key: ${TEST_API_KEY}
      model: gpt-4o-mini
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.LLM.Settings["api_key"] != "sk-test" {
		t.Fatalf("api_key = %v", cfg.Vendors.LLM.Settings["api_key"])
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`))
	if err == nil {
		t.Fatalf("expected validation error for missing llm provider")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
