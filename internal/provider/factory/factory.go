package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sort"
	"time"

	"streamgate/internal/config"
	"streamgate/internal/provider"
	anthropicProvider "streamgate/internal/provider/anthropic"
	geminiProvider "streamgate/internal/provider/gemini"
	ollamaProvider "streamgate/internal/provider/ollama"
	openaiProvider "streamgate/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

type transportConstructor func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error)

// constructors maps platform tags to transports. Cerebras speaks the
// OpenAI protocol and reuses its transport under its own name.
var constructors = map[string]transportConstructor{
	provider.PlatformOpenAI: func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error) {
		return openaiProvider.New(name, cfg, client)
	},
	provider.PlatformCerebras: func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error) {
		return openaiProvider.New(name, cfg, client)
	},
	provider.PlatformAnthropic: func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error) {
		return anthropicProvider.New(name, cfg, client)
	},
	provider.PlatformGoogle: func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error) {
		return geminiProvider.New(name, cfg, client)
	},
	provider.PlatformOllama: func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Transport, error) {
		return ollamaProvider.New(name, cfg, client)
	},
}

// RegisterConfiguredProviders constructs an adapter for every configured
// provider and stores it in the registry. opts apply to every adapter.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, opts ...provider.AdapterOption) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	configured := cfg.Providers.Named()
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		providerCfg := configured[name]
		construct, ok := constructors[name]
		if !ok {
			return fmt.Errorf("%w: %q", provider.ErrUnknownPlatform, name)
		}

		transport, err := construct(name, providerCfg, newHTTPClient(providerCfg.Timeout))
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", name, err)
		}

		adapterOpts := slices.Clone(opts)
		if len(providerCfg.Methods) > 0 {
			adapterOpts = append(adapterOpts, provider.WithCapabilities(providerCfg.Methods...))
		}

		adapter := provider.NewAdapter(name, transport, adapterOpts...)
		if err := registry.Register(name, adapter, providerCfg.Models); err != nil {
			return fmt.Errorf("register %s provider: %w", name, err)
		}

		slog.Info("provider registered",
			slog.String("platform", name),
			slog.String("base_url", providerCfg.BaseURL),
			slog.Int("models", len(providerCfg.Models)),
			slog.Any("methods", adapter.Capabilities()))
	}

	return nil
}

// newHTTPClient bounds the wait for response headers rather than the whole
// exchange, so long streams are not cut off mid-body.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
