package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 8080
  shutdown_grace: 5s
log:
  format: json
generation:
  system_prompt: "You are a helpful assistant."
tools:
  enabled: true
  users:
    u1: "Prefers metric units."
providers:
  openai:
    api_key: ${STREAMGATE_TEST_OPENAI_KEY}
    models: [gpt-4o, gpt-4o-mini]
    headers:
      OpenAI-Organization: org-1
  ollama:
    models: [llama3]
    max_retries: 0
    methods: [fetch_completion, chat_completion]
`

func TestParse(t *testing.T) {
	t.Setenv("STREAMGATE_TEST_OPENAI_KEY", "sk-test")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Providers.OpenAI == nil || cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Fatalf("env expansion failed: %+v", cfg.Providers.OpenAI)
	}
	if cfg.Providers.OpenAI.BaseURL != DefaultOpenAIBaseURL {
		t.Errorf("openai base_url = %q", cfg.Providers.OpenAI.BaseURL)
	}
	if cfg.Providers.OpenAI.Retries() != defaultMaxRetries {
		t.Errorf("default retries = %d", cfg.Providers.OpenAI.Retries())
	}
	if cfg.Providers.Ollama.BaseURL != DefaultOllamaBaseURL || cfg.Providers.Ollama.Retries() != 0 {
		t.Errorf("ollama = %+v", cfg.Providers.Ollama)
	}
	if cfg.Providers.Ollama.Timeout != defaultTimeout {
		t.Errorf("ollama timeout = %v", cfg.Providers.Ollama.Timeout)
	}
	if cfg.Server.ShutdownGrace != 5*time.Second {
		t.Errorf("shutdown_grace = %v", cfg.Server.ShutdownGrace)
	}
	if cfg.Server.ModelsCacheTTL != defaultModelsTTL {
		t.Errorf("models_cache_ttl = %v", cfg.Server.ModelsCacheTTL)
	}
	if len(cfg.Providers.Ollama.Methods) != 2 || cfg.Providers.OpenAI.Methods != nil {
		t.Errorf("methods = %v / %v", cfg.Providers.Ollama.Methods, cfg.Providers.OpenAI.Methods)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if len(cfg.Generation.AllowedMethods) != 3 {
		t.Errorf("allowed methods = %v", cfg.Generation.AllowedMethods)
	}
	if cfg.Tools.Users["u1"] != "Prefers metric units." {
		t.Errorf("users = %v", cfg.Tools.Users)
	}
	if got := cfg.Providers.Named(); len(got) != 2 {
		t.Errorf("Named() = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad port",
			yaml:    "server: {port: 70000}\nproviders: {ollama: {}}",
			wantErr: "server.port",
		},
		{
			name:    "no providers",
			yaml:    "server: {port: 8080}",
			wantErr: "at least one provider",
		},
		{
			name:    "missing api key",
			yaml:    "server: {port: 8080}\nproviders: {anthropic: {models: [claude]}}",
			wantErr: "api_key",
		},
		{
			name:    "bad header",
			yaml:    "server: {port: 8080}\nproviders: {ollama: {headers: {\"X_Bad\": v}}}",
			wantErr: "canonical HTTP header",
		},
		{
			name:    "empty model id",
			yaml:    "server: {port: 8080}\nproviders: {ollama: {models: [\"\"]}}",
			wantErr: "model id",
		},
		{
			name:    "bad log level",
			yaml:    "server: {port: 8080}\nlog: {level: trace}\nproviders: {ollama: {}}",
			wantErr: "log.level",
		},
		{
			name:    "empty method",
			yaml:    "server: {port: 8080}\nproviders: {ollama: {methods: [\" \"]}}",
			wantErr: "methods",
		},
		{
			name:    "negative models cache ttl",
			yaml:    "server: {port: 8080, models_cache_ttl: -1s}\nproviders: {ollama: {}}",
			wantErr: "server timeouts",
		},
		{
			name:    "negative retries",
			yaml:    "server: {port: 8080}\nproviders: {ollama: {max_retries: -1}}",
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {port: 9090}\nproviders: {ollama: {}}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "CEREBRAS_API_KEY"} {
		t.Setenv(key, "test-"+strings.ToLower(key))
	}

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Providers.Named()) != 5 {
		t.Errorf("providers = %v", cfg.Providers.Named())
	}
	if cfg.Providers.Cerebras.Retries() != 1 || cfg.Providers.Ollama.Timeout != 2*time.Minute {
		t.Errorf("provider overrides not applied: %+v %+v", cfg.Providers.Cerebras, cfg.Providers.Ollama)
	}
	if cfg.Providers.OpenAI.APIKey != "test-openai_api_key" {
		t.Errorf("api key = %q", cfg.Providers.OpenAI.APIKey)
	}
}
