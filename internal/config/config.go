package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default base URLs for providers that omit base_url.
const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultGoogleBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultCerebrasBaseURL  = "https://api.cerebras.ai/v1"
	DefaultOllamaBaseURL    = "http://localhost:11434"
)

const (
	defaultShutdownGrace = 10 * time.Second
	defaultModelsTTL     = 5 * time.Minute
	defaultTimeout       = 5 * time.Minute
	defaultMaxRetries    = 2
)

// DefaultAllowedMethods is used when generation.allowed_methods is empty.
var DefaultAllowedMethods = []string{"fetch_completion", "chat_completion", "generate_image"}

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Generation GenerationConfig `yaml:"generation"`
	Tools      ToolsConfig      `yaml:"tools"`
	Providers  ProvidersConfig  `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	ModelsCacheTTL time.Duration `yaml:"models_cache_ttl"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GenerationConfig controls request validation and context assembly.
type GenerationConfig struct {
	AllowedMethods []string `yaml:"allowed_methods"`
	SystemPrompt   string   `yaml:"system_prompt"`
}

// ToolsConfig controls tool-call interception.
type ToolsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	FunctionHint string            `yaml:"function_hint"`
	Users        map[string]string `yaml:"users"`
}

// ProvidersConfig catalogues configured upstream providers. A nil entry
// means the platform is not served.
type ProvidersConfig struct {
	OpenAI    *ProviderConfig `yaml:"openai"`
	Anthropic *ProviderConfig `yaml:"anthropic"`
	Google    *ProviderConfig `yaml:"google"`
	Cerebras  *ProviderConfig `yaml:"cerebras"`
	Ollama    *ProviderConfig `yaml:"ollama"`
}

// ProviderConfig captures authentication and transport settings for a provider.
type ProviderConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Headers    Headers       `yaml:"headers"`
	Models     []string      `yaml:"models"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries *int          `yaml:"max_retries"`
	// Methods lists the generation methods the provider serves; empty
	// means fetch_completion only.
	Methods []string `yaml:"methods"`
}

// Retries returns the configured retry budget.
func (p ProviderConfig) Retries() int {
	if p.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *p.MaxRetries
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Named returns the configured providers keyed by platform tag.
func (p ProvidersConfig) Named() map[string]ProviderConfig {
	out := make(map[string]ProviderConfig)
	for name, cfg := range map[string]*ProviderConfig{
		"openai":    p.OpenAI,
		"anthropic": p.Anthropic,
		"google":    p.Google,
		"cerebras":  p.Cerebras,
		"ollama":    p.Ollama,
	} {
		if cfg != nil {
			out[name] = *cfg
		}
	}
	return out
}

// Load reads YAML configuration from disk, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates raw YAML.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = defaultShutdownGrace
	}
	if c.Server.ModelsCacheTTL == 0 {
		c.Server.ModelsCacheTTL = defaultModelsTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Generation.AllowedMethods) == 0 {
		c.Generation.AllowedMethods = append([]string(nil), DefaultAllowedMethods...)
	}

	defaults := []struct {
		cfg     *ProviderConfig
		baseURL string
	}{
		{c.Providers.OpenAI, DefaultOpenAIBaseURL},
		{c.Providers.Anthropic, DefaultAnthropicBaseURL},
		{c.Providers.Google, DefaultGoogleBaseURL},
		{c.Providers.Cerebras, DefaultCerebrasBaseURL},
		{c.Providers.Ollama, DefaultOllamaBaseURL},
	}
	for _, d := range defaults {
		if d.cfg == nil {
			continue
		}
		if strings.TrimSpace(d.cfg.BaseURL) == "" {
			d.cfg.BaseURL = d.baseURL
		}
		if d.cfg.Timeout == 0 {
			d.cfg.Timeout = defaultTimeout
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.WriteTimeout < 0 || c.Server.ShutdownGrace < 0 || c.Server.ModelsCacheTTL < 0 {
		return errors.New("server timeouts must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	for _, method := range c.Generation.AllowedMethods {
		if strings.TrimSpace(method) == "" {
			return errors.New("generation.allowed_methods must not contain empty entries")
		}
	}

	providers := c.Providers.Named()
	if len(providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if name != "ollama" && strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}
	if provider.Retries() < 0 {
		return fmt.Errorf("provider %s: max_retries must not be negative", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for _, method := range provider.Methods {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("provider %s: methods must not contain empty entries", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
