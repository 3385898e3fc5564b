package provider

import (
	"fmt"
	"strings"

	"streamgate/internal/models"
)

// Platform tags accepted in ModelConfig.platform.
const (
	PlatformOpenAI    = "openai"
	PlatformAnthropic = "anthropic"
	PlatformGoogle    = "google"
	PlatformCerebras  = "cerebras"
	PlatformOllama    = "ollama"
)

// ModelSpec is a validated, platform-specific model configuration. The set
// of implementations is closed to this package.
type ModelSpec interface {
	Platform() string
	ModelID() string
	Temperature() float64
	MaxTokens() int
	sealed()
}

type baseModel struct {
	platform    string
	id          string
	temperature float64
	maxTokens   int
}

func (m baseModel) Platform() string     { return m.platform }
func (m baseModel) ModelID() string      { return m.id }
func (m baseModel) Temperature() float64 { return m.temperature }
func (m baseModel) MaxTokens() int       { return m.maxTokens }
func (baseModel) sealed()                {}

// OpenAIModel targets the OpenAI chat completions API.
type OpenAIModel struct {
	baseModel
	// NoSystemPrompt is set for reasoning models that reject the system role.
	NoSystemPrompt bool
}

// AnthropicModel targets the Anthropic messages API.
type AnthropicModel struct {
	baseModel
}

// GeminiModel targets the Google Generative Language API.
type GeminiModel struct {
	baseModel
}

// CerebrasModel targets Cerebras' OpenAI-compatible API.
type CerebrasModel struct {
	baseModel
}

// OllamaModel targets a local Ollama server.
type OllamaModel struct {
	baseModel
}

type variantConstructor func(cfg models.ModelConfig) (ModelSpec, error)

// variants is the static platform -> constructor dispatch table.
var variants = map[string]variantConstructor{
	PlatformOpenAI:    newOpenAIModel,
	PlatformAnthropic: newAnthropicModel,
	PlatformGoogle:    newGeminiModel,
	PlatformCerebras:  newCerebrasModel,
	PlatformOllama:    newOllamaModel,
}

// KnownPlatform reports whether a model variant exists for platform.
func KnownPlatform(platform string) bool {
	_, ok := variants[platform]
	return ok
}

// NewModelSpec builds the typed variant for cfg.
func NewModelSpec(cfg models.ModelConfig) (ModelSpec, error) {
	construct, ok := variants[cfg.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}
	return construct(cfg)
}

// resolveModelID applies the identifier fallback id -> model_id -> model.
func resolveModelID(cfg models.ModelConfig) (string, error) {
	for _, candidate := range []string{cfg.ID, cfg.ModelID, cfg.Model} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: either 'id', 'model_id' or 'model' must be provided for platform %q", ErrMissingModelID, cfg.Platform)
}

func newBase(platform string, cfg models.ModelConfig) (baseModel, error) {
	id, err := resolveModelID(cfg)
	if err != nil {
		return baseModel{}, err
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return baseModel{}, fmt.Errorf("%w: temperature %v for %s must be within [0,1]", ErrInvalidModelConfig, cfg.Temperature, id)
	}
	if cfg.MaxTokens < 0 {
		return baseModel{}, fmt.Errorf("%w: max_tokens for %s must be positive", ErrInvalidModelConfig, id)
	}
	return baseModel{
		platform:    platform,
		id:          id,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func newOpenAIModel(cfg models.ModelConfig) (ModelSpec, error) {
	base, err := newBase(PlatformOpenAI, cfg)
	if err != nil {
		return nil, err
	}
	return OpenAIModel{
		baseModel:      base,
		NoSystemPrompt: strings.HasPrefix(base.id, "o1"),
	}, nil
}

func newAnthropicModel(cfg models.ModelConfig) (ModelSpec, error) {
	base, err := newBase(PlatformAnthropic, cfg)
	if err != nil {
		return nil, err
	}
	if base.maxTokens <= 0 {
		return nil, fmt.Errorf("%w: anthropic model %s requires a positive max_tokens", ErrInvalidModelConfig, base.id)
	}
	return AnthropicModel{baseModel: base}, nil
}

func newGeminiModel(cfg models.ModelConfig) (ModelSpec, error) {
	base, err := newBase(PlatformGoogle, cfg)
	if err != nil {
		return nil, err
	}
	base.id = strings.TrimPrefix(base.id, "models/")
	if base.id == "" {
		return nil, fmt.Errorf("%w: gemini model name is empty", ErrMissingModelID)
	}
	return GeminiModel{baseModel: base}, nil
}

func newCerebrasModel(cfg models.ModelConfig) (ModelSpec, error) {
	base, err := newBase(PlatformCerebras, cfg)
	if err != nil {
		return nil, err
	}
	return CerebrasModel{baseModel: base}, nil
}

func newOllamaModel(cfg models.ModelConfig) (ModelSpec, error) {
	base, err := newBase(PlatformOllama, cfg)
	if err != nil {
		return nil, err
	}
	return OllamaModel{baseModel: base}, nil
}
