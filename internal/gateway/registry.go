package gateway

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"nativebridge/internal/metrics"
)

// DefaultRegistrySize bounds the number of cached wrapped modules.
const DefaultRegistrySize = 256

// Registry caches wrapped modules per (url or region, app, namespace) and
// subscribes the native events a namespace declares on first use.
type Registry struct {
	host    Host
	events  EventSubscriber
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[ModuleKey, *Module]
}

// NewRegistry creates a registry resolving modules through host. events may be nil.
func NewRegistry(host Host, events EventSubscriber, m *metrics.Metrics, logger zerolog.Logger) (*Registry, error) {
	cache, err := lru.New[ModuleKey, *Module](DefaultRegistrySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Registry{
		host:    host,
		events:  events,
		metrics: m,
		logger:  logger.With().Str("component", "gateway").Logger(),
		cache:   cache,
	}, nil
}

// Get returns the wrapped module for spec, creating it on first use.
func (r *Registry) Get(ctx context.Context, spec ModuleSpec, app, urlOrRegion string) (*Module, error) {
	key := ModuleKey{URLOrRegion: urlOrRegion, App: app, Namespace: spec.Namespace, Module: spec.NativeModuleName}

	r.mu.Lock()
	defer r.mu.Unlock()

	if mod, ok := r.cache.Get(key); ok {
		return mod, nil
	}

	native, ok := r.host.Module(spec.NativeModuleName)
	if !ok || native == nil {
		return nil, &MissingModuleError{Namespace: spec.Namespace, ModuleName: spec.NativeModuleName}
	}

	var contextArgs []any
	if spec.MultiApp {
		contextArgs = append(contextArgs, app)
	}
	if spec.CustomURLOrRegion {
		contextArgs = append(contextArgs, urlOrRegion)
	}

	mod, err := Wrap(native, spec.Namespace, contextArgs...)
	if err != nil {
		return nil, err
	}
	mod.metrics = r.metrics

	if r.events != nil {
		for _, name := range spec.NativeEvents {
			if err := r.events.Subscribe(ctx, name); err != nil {
				return nil, fmt.Errorf("subscribe native event %s: %w", name, err)
			}
		}
	}

	r.cache.Add(key, mod)
	r.logger.Debug().
		Str("namespace", spec.Namespace).
		Str("module", spec.NativeModuleName).
		Str("app", app).
		Str("urlOrRegion", urlOrRegion).
		Msg("native module wrapped")
	return mod, nil
}

// Len returns the number of cached modules.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Purge drops every cached module.
func (r *Registry) Purge() {
	r.cache.Purge()
}
