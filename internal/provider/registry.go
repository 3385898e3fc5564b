package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamgate/internal/models"
)

// DefaultCatalogTTL is how long an upstream model list is reused.
const DefaultCatalogTTL = 5 * time.Minute

const listTimeout = 10 * time.Second

// Dispatch is one validated (variant, adapter, method) triple ready to stream.
type Dispatch struct {
	Spec    ModelSpec
	Adapter Adapter
	Method  string
}

type platformEntry struct {
	adapter Adapter
	models  []string
}

type listing struct {
	models  []string
	fetched time.Time
}

// Registry maps platform tags to adapters. It is populated at startup and
// read-only afterwards; only the upstream model listings are refreshed.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]platformEntry

	catalogTTL time.Duration
	now        func() time.Time
	listMu     sync.Mutex
	listings   map[string]listing
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCatalogTTL sets how long upstream model lists are cached. Values
// below one nanosecond keep the default.
func WithCatalogTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.catalogTTL = ttl
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		platforms:  make(map[string]platformEntry),
		catalogTTL: DefaultCatalogTTL,
		now:        time.Now,
		listings:   make(map[string]listing),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an adapter to a platform tag. modelIDs lists the models
// advertised in the catalog; requests are not limited to them.
func (r *Registry) Register(platform string, a Adapter, modelIDs []string) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}
	if !KnownPlatform(platform) {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.platforms[platform]; exists {
		return fmt.Errorf("platform %q already registered", platform)
	}

	ids := append([]string(nil), modelIDs...)
	sort.Strings(ids)
	r.platforms[platform] = platformEntry{adapter: a, models: ids}
	return nil
}

// Adapter returns the adapter bound to platform.
func (r *Registry) Adapter(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	return entry.adapter, nil
}

// Resolve validates every requested model before any network call: the
// platform must have a variant constructor and an adapter, the adapter must
// expose method, and the variant must build. The first invalid entry fails
// the whole request.
func (r *Registry) Resolve(cfgs []models.ModelConfig, method string) ([]Dispatch, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: at least one model is required", ErrInvalidModelConfig)
	}

	out := make([]Dispatch, 0, len(cfgs))
	for i, cfg := range cfgs {
		if !KnownPlatform(cfg.Platform) {
			return nil, fmt.Errorf("models[%d]: %w: %q", i, ErrUnknownPlatform, cfg.Platform)
		}

		adapter, err := r.Adapter(cfg.Platform)
		if err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}

		if !Supports(adapter, method) {
			return nil, fmt.Errorf("models[%d]: %w: %s does not support %q", i, ErrUnsupportedOperation, adapter.Name(), method)
		}

		spec, err := NewModelSpec(cfg)
		if err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}

		out = append(out, Dispatch{Spec: spec, Adapter: adapter, Method: method})
	}
	return out, nil
}

// Catalog lists the configured platforms. Each platform's models are the
// configured ids merged with what the upstream reports, when its adapter
// can list models. Upstream lists are cached for the catalog TTL; a failed
// listing falls back to the configured ids.
func (r *Registry) Catalog(ctx context.Context) []models.CatalogEntry {
	r.mu.RLock()
	entries := make([]models.CatalogEntry, 0, len(r.platforms))
	adapters := make([]Adapter, 0, len(r.platforms))
	for platform, entry := range r.platforms {
		entries = append(entries, models.CatalogEntry{
			Platform:     platform,
			Provider:     entry.adapter.Name(),
			Models:       append([]string{}, entry.models...),
			Capabilities: entry.adapter.Capabilities(),
		})
		adapters = append(adapters, entry.adapter)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for i := range entries {
		lister, ok := adapters[i].(ModelLister)
		if !ok {
			continue
		}
		g.Go(func() error {
			if live, ok := r.listModels(ctx, entries[i].Platform, lister); ok {
				entries[i].Models = mergeModels(entries[i].Models, live)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Platform < entries[j].Platform })
	return entries
}

func (r *Registry) listModels(ctx context.Context, platform string, lister ModelLister) ([]string, bool) {
	r.listMu.Lock()
	cached, ok := r.listings[platform]
	r.listMu.Unlock()
	if ok && r.now().Sub(cached.fetched) < r.catalogTTL {
		return cached.models, true
	}

	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	live, err := lister.ListModels(listCtx)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedOperation) {
			slog.Warn("model listing failed, using configured models",
				slog.String("platform", platform),
				slog.Any("err", err))
		}
		return nil, false
	}

	r.listMu.Lock()
	r.listings[platform] = listing{models: live, fetched: r.now()}
	r.listMu.Unlock()
	return live, true
}

func mergeModels(configured, live []string) []string {
	merged := make([]string, 0, len(configured)+len(live))
	merged = append(merged, configured...)
	merged = append(merged, live...)
	slices.Sort(merged)
	return slices.Compact(merged)
}

// IsConfigError reports whether err came from request-time model validation.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownPlatform) ||
		errors.Is(err, ErrUnsupportedPlatform) ||
		errors.Is(err, ErrUnsupportedOperation) ||
		errors.Is(err, ErrMissingModelID) ||
		errors.Is(err, ErrInvalidModelConfig)
}
