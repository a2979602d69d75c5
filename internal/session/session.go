// Package session holds the per-application-session context: the wrapped
// module cache, the native event bridge and one registration tree per
// database scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"nativebridge/internal/bridge"
	"nativebridge/internal/config"
	"nativebridge/internal/database"
	"nativebridge/internal/gateway"
	"nativebridge/internal/metrics"
	"nativebridge/internal/synctree"
)

var (
	// ErrNotInitialized is returned by namespace lookups outside Initialize/Teardown.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrTornDown fails transactions still pending at Teardown.
	ErrTornDown = errors.New("session: torn down")
)

// UnknownNamespaceError is returned for namespaces that were never registered.
type UnknownNamespaceError struct {
	Name string
}

func (e *UnknownNamespaceError) Error() string {
	return fmt.Sprintf("session: namespace %q is not registered", e.Name)
}

// Factory builds the instance of a namespace for a url or region.
type Factory func(ctx context.Context, s *Session, urlOrRegion string) (any, error)

// Option configures a Session.
type Option func(*Session)

// WithMetrics records routing and call metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

type instanceKey struct {
	namespace   string
	urlOrRegion string
}

type scope struct {
	db   *database.Database
	tree *synctree.Tree
	subs []*bridge.Subscription
}

// Session is the explicit context of one application session.
type Session struct {
	cfg     *config.Config
	appName string
	host    gateway.Host
	ingress message.Subscriber
	metrics *metrics.Metrics
	logger  zerolog.Logger

	registry *gateway.Registry
	// bridge is read by Subscribe, which the registry calls with mu held.
	bridge atomic.Pointer[bridge.Bridge]

	mu          sync.Mutex
	factories   map[string]Factory
	instances   map[instanceKey]any
	scopes      []scope
	initialized bool
}

// New creates a session resolving native modules through host. ingress
// delivers native events and may be nil.
func New(cfg *config.Config, host gateway.Host, ingress message.Subscriber, logger zerolog.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: config is required")
	}
	if host == nil {
		return nil, errors.New("session: native host is required")
	}
	s := &Session{
		cfg:       cfg,
		appName:   cfg.AppName,
		host:      host,
		ingress:   ingress,
		logger:    logger.With().Str("component", "session").Str("app", cfg.AppName).Logger(),
		factories: make(map[string]Factory),
		instances: make(map[instanceKey]any),
	}
	for _, opt := range opts {
		opt(s)
	}

	registry, err := gateway.NewRegistry(host, s, s.metrics, logger)
	if err != nil {
		return nil, err
	}
	s.registry = registry
	s.Register(gateway.DatabaseNamespace, databaseFactory)
	return s, nil
}

// AppName returns the name of the app the session serves.
func (s *Session) AppName() string { return s.appName }

// Register adds or replaces the factory of a namespace.
func (s *Session) Register(name string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
}

// Namespaces returns the registered namespace names.
func (s *Session) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.factories))
	for name := range s.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize resolves the app module, builds the event bridge and opens the
// configured database scopes.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}

	appMod, err := s.registry.Get(ctx, gateway.AppSpec(), "", "")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("initialize session: %w", err)
	}
	b, err := bridge.New(bridge.Options{
		Native:         gateway.NewAppEvents(appMod),
		Ingress:        s.ingress,
		DedupCacheSize: s.cfg.DedupCacheSize,
		Metrics:        s.metrics,
		Debug:          s.cfg.Debug,
	}, s.logger)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("initialize session: %w", err)
	}
	s.bridge.Store(b)
	s.initialized = true
	s.mu.Unlock()

	for _, url := range s.cfg.DatabaseURLs() {
		if _, err := s.Database(ctx, url); err != nil {
			return fmt.Errorf("open database %s: %w", url, err)
		}
	}
	s.logger.Info().Int("databases", len(s.cfg.Databases)).Msg("session initialized")
	return nil
}

// Subscribe registers native interest in a native event.
func (s *Session) Subscribe(ctx context.Context, eventName string) error {
	b := s.bridge.Load()
	if b == nil {
		return ErrNotInitialized
	}
	return b.Subscribe(ctx, eventName)
}

// Bridge returns the event bridge, nil before Initialize.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge.Load()
}

// Registry returns the wrapped module cache.
func (s *Session) Registry() *gateway.Registry { return s.registry }

// Namespace returns the instance of name for urlOrRegion, building it on first use.
func (s *Session) Namespace(ctx context.Context, name, urlOrRegion string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	factory, ok := s.factories[name]
	if !ok {
		return nil, &UnknownNamespaceError{Name: name}
	}
	key := instanceKey{namespace: name, urlOrRegion: urlOrRegion}
	if inst, ok := s.instances[key]; ok {
		return inst, nil
	}
	inst, err := factory(ctx, s, urlOrRegion)
	if err != nil {
		return nil, err
	}
	s.instances[key] = inst
	return inst, nil
}

// Database returns the database scope of url, "" for the default database.
func (s *Session) Database(ctx context.Context, url string) (*database.Database, error) {
	inst, err := s.Namespace(ctx, gateway.DatabaseNamespace, url)
	if err != nil {
		return nil, err
	}
	db, ok := inst.(*database.Database)
	if !ok {
		return nil, fmt.Errorf("session: namespace %q is not a database", gateway.DatabaseNamespace)
	}
	return db, nil
}

// Reconnected restores native event interest after the host connection was
// re-established.
func (s *Session) Reconnected(ctx context.Context) error {
	b := s.bridge.Load()
	if b == nil {
		return nil
	}
	return b.Resubscribe(ctx)
}

// Teardown removes every registration, drops native event interest and
// empties the module cache. The session can be initialized again.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	scopes := s.scopes
	b := s.bridge.Swap(nil)
	s.scopes = nil
	s.instances = make(map[instanceKey]any)
	s.initialized = false
	s.mu.Unlock()

	removed, aborted := 0, 0
	for _, sc := range scopes {
		for _, sub := range sc.subs {
			sub.Remove()
		}
		removed += sc.tree.Clear()
		aborted += sc.db.AbortTransactions(ErrTornDown)
	}
	err := b.Close(ctx)
	s.registry.Purge()

	s.logger.Info().Int("registrations", removed).Int("transactions", aborted).Msg("session torn down")
	return err
}

// databaseFactory is called with s.mu held.
func databaseFactory(ctx context.Context, s *Session, url string) (any, error) {
	specs := gateway.DatabaseSpecs()
	mods := make(map[string]*gateway.Module, 5)
	for _, spec := range []gateway.ModuleSpec{specs.Control, specs.Query, specs.Reference, specs.OnDisconnect, specs.Transaction} {
		mod, err := s.registry.Get(ctx, spec, s.appName, url)
		if err != nil {
			return nil, err
		}
		mods[spec.NativeModuleName] = mod
	}

	query := gateway.NewDatabaseQuery(mods[gateway.DatabaseQueryModuleName], s.cfg.GetCallTimeoutDuration(), s.logger)
	tree := synctree.New(query, s.metrics, s.logger.With().Str("url", url).Logger())

	db, err := database.New(database.Options{
		AppName:      s.appName,
		URL:          url,
		Control:      gateway.NewDatabaseControl(mods[gateway.DatabaseModuleName]),
		Query:        query,
		Reference:    gateway.NewDatabaseReference(mods[gateway.DatabaseReferenceModuleName]),
		Tree:         tree,
		OnDisconnect: gateway.NewDatabaseOnDisconnect(mods[gateway.DatabaseOnDisconnectModuleName]),
		Transaction:  gateway.NewDatabaseTransaction(mods[gateway.DatabaseTransactionModuleName]),
	}, s.logger)
	if err != nil {
		return nil, err
	}

	b := s.bridge.Load()
	subs := []*bridge.Subscription{
		tree.Attach(b, bridge.KeyFor(gateway.DatabaseSyncEvent, s.appName, url)),
		b.Listen(bridge.KeyFor(gateway.DatabaseTransactionEvent, s.appName, url), db.HandleTransactionEvent),
	}
	s.scopes = append(s.scopes, scope{db: db, tree: tree, subs: subs})
	return db, nil
}
