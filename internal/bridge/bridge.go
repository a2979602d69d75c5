package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"nativebridge/internal/metrics"
)

// Options configures a Bridge.
type Options struct {
	// Native receives interest calls. Required.
	Native NativeEvents
	// Ingress delivers raw native event payloads, one topic per event name.
	// When nil, events are only delivered through Dispatch.
	Ingress message.Subscriber
	// DedupCacheSize bounds remembered event ids; 0 disables deduplication.
	DedupCacheSize int
	Metrics        *metrics.Metrics
	// Debug logs every native event and interest call.
	Debug bool
}

type listenerEntry struct {
	id      uint64
	handler Handler
	once    bool
	removed atomic.Bool
}

// Subscription is a handle to a bus listener.
type Subscription struct {
	bridge *Bridge
	key    RoutingKey
	entry  *listenerEntry
}

// Remove detaches the listener. It is safe to call more than once.
func (s *Subscription) Remove() {
	if s == nil || s.bridge == nil {
		return
	}
	s.entry.removed.Store(true)
	s.bridge.removeEntry(s.key, s.entry.id)
}

// Key returns the routing key the listener is attached to.
func (s *Subscription) Key() RoutingKey {
	return s.key
}

// Bridge registers native interest and fans native events out to listeners.
type Bridge struct {
	native  NativeEvents
	ingress message.Subscriber
	dedup   *Deduplicator
	metrics *metrics.Metrics
	debug   bool
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners map[RoutingKey][]*listenerEntry
	nextID    uint64

	// interestMu serializes native interest calls so that eventsNotifyReady
	// always precedes the first eventsAddListener.
	interestMu sync.Mutex
	subscribed map[string]context.CancelFunc
	order      []string
	ready      bool

	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge.
func New(opts Options, logger zerolog.Logger) (*Bridge, error) {
	if opts.Native == nil {
		return nil, errors.New("bridge: native events binding is required")
	}
	var dedup *Deduplicator
	if opts.DedupCacheSize > 0 {
		d, err := NewDeduplicator(opts.DedupCacheSize)
		if err != nil {
			return nil, err
		}
		dedup = d
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		native:     opts.Native,
		ingress:    opts.Ingress,
		dedup:      dedup,
		metrics:    opts.Metrics,
		debug:      opts.Debug,
		logger:     logger.With().Str("component", "bridge").Logger(),
		listeners:  make(map[RoutingKey][]*listenerEntry),
		subscribed: make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Listen attaches handler to key.
func (b *Bridge) Listen(key RoutingKey, handler Handler) *Subscription {
	return b.add(key, handler, false)
}

// ListenOnce attaches handler to key for a single event.
func (b *Bridge) ListenOnce(key RoutingKey, handler Handler) *Subscription {
	return b.add(key, handler, true)
}

func (b *Bridge) add(key RoutingKey, handler Handler, once bool) *Subscription {
	b.mu.Lock()
	b.nextID++
	entry := &listenerEntry{id: b.nextID, handler: handler, once: once}
	b.listeners[key] = append(b.listeners[key], entry)
	b.mu.Unlock()
	return &Subscription{bridge: b, key: key, entry: entry}
}

func (b *Bridge) removeEntry(key RoutingKey, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[key]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		e.removed.Store(true)
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(b.listeners, key)
		} else {
			b.listeners[key] = entries
		}
		return
	}
}

// RemoveAllListeners detaches every listener of key.
func (b *Bridge) RemoveAllListeners(key RoutingKey) {
	b.mu.Lock()
	for _, e := range b.listeners[key] {
		e.removed.Store(true)
	}
	delete(b.listeners, key)
	b.mu.Unlock()
}

// ListenerCount returns the number of listeners attached to key.
func (b *Bridge) ListenerCount(key RoutingKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[key])
}

// Subscribe registers native interest in eventName. Repeated calls for the
// same name are no-ops.
func (b *Bridge) Subscribe(ctx context.Context, eventName string) error {
	b.interestMu.Lock()
	defer b.interestMu.Unlock()

	if _, ok := b.subscribed[eventName]; ok {
		return nil
	}

	consumerCtx, cancel := context.WithCancel(b.ctx)
	if b.ingress != nil {
		msgs, err := b.ingress.Subscribe(consumerCtx, eventName)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe ingress %s: %w", eventName, err)
		}
		b.wg.Add(1)
		go b.consume(eventName, msgs)
	}

	if err := b.registerInterest(ctx, eventName); err != nil {
		cancel()
		return err
	}

	b.subscribed[eventName] = cancel
	b.order = append(b.order, eventName)
	b.logger.Info().Str("event", eventName).Msg("native event subscribed")
	return nil
}

// registerInterest must be called with interestMu held.
func (b *Bridge) registerInterest(ctx context.Context, eventName string) error {
	if !b.ready {
		if err := b.native.EventsNotifyReady(ctx, true); err != nil {
			return fmt.Errorf("notify native ready: %w", err)
		}
		b.ready = true
		if b.debug {
			b.logger.Info().Msg("native events ready")
		}
	}
	if err := b.native.EventsAddListener(ctx, eventName); err != nil {
		return fmt.Errorf("add native listener %s: %w", eventName, err)
	}
	if b.debug {
		b.logger.Info().Str("event", eventName).Msg("native listener added")
	}
	return nil
}

// UnsubscribeAll drops native interest in eventName together with every
// internal listener of that event.
func (b *Bridge) UnsubscribeAll(ctx context.Context, eventName string) error {
	b.interestMu.Lock()
	defer b.interestMu.Unlock()
	return b.unsubscribeLocked(ctx, eventName)
}

func (b *Bridge) unsubscribeLocked(ctx context.Context, eventName string) error {
	cancel, ok := b.subscribed[eventName]
	if !ok {
		return nil
	}
	delete(b.subscribed, eventName)
	for i, name := range b.order {
		if name == eventName {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	cancel()

	b.mu.Lock()
	for key, entries := range b.listeners {
		if key.Event != eventName {
			continue
		}
		for _, e := range entries {
			e.removed.Store(true)
		}
		delete(b.listeners, key)
	}
	b.mu.Unlock()

	if err := b.native.EventsRemoveListener(ctx, eventName, true); err != nil {
		return fmt.Errorf("remove native listener %s: %w", eventName, err)
	}
	b.logger.Info().Str("event", eventName).Msg("native event unsubscribed")
	return nil
}

// Subscribed returns the event names with registered native interest.
func (b *Bridge) Subscribed() []string {
	b.interestMu.Lock()
	defer b.interestMu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Resubscribe registers native interest again for every subscribed event,
// used after the native host connection was re-established.
func (b *Bridge) Resubscribe(ctx context.Context) error {
	b.interestMu.Lock()
	defer b.interestMu.Unlock()

	b.ready = false
	var errs []error
	for _, name := range b.order {
		if err := b.registerInterest(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	b.logger.Info().
		Int("total", len(b.order)).
		Int("failed", len(errs)).
		Msg("native events resubscribed")
	return errors.Join(errs...)
}

// Dispatch routes a raw native event payload to its listeners. Dispatches
// are serialized; handlers must not call Dispatch.
func (b *Bridge) Dispatch(eventName string, payload []byte) {
	env, err := decodeEnvelope(eventName, payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("event", eventName).Msg("dropping malformed native event")
		return
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	key := env.Key()
	if b.dedup != nil && b.dedup.IsDuplicate(key, env.ID) {
		b.metrics.BridgeDuplicate()
		b.logger.Debug().Str("key", key.String()).Str("eventId", env.ID).Msg("duplicate native event dropped")
		return
	}
	b.metrics.BridgeEvent(eventName)
	if b.debug {
		b.logger.Info().Str("key", key.String()).RawJSON("body", env.Body).Msg("native event received")
	}

	for _, e := range b.take(key) {
		if e.once {
			// claim the once-listener; a concurrent Remove wins
			if !e.removed.CompareAndSwap(false, true) {
				continue
			}
		} else if e.removed.Load() {
			continue
		}
		b.invoke(key, e, env)
	}
}

// take snapshots the listeners of key and detaches once-listeners. The
// caller claims each once-listener before invoking it.
func (b *Bridge) take(key RoutingKey) []*listenerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[key]
	if len(entries) == 0 {
		return nil
	}
	snapshot := make([]*listenerEntry, len(entries))
	copy(snapshot, entries)

	kept := entries[:0:0]
	for _, e := range entries {
		if e.once {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(b.listeners, key)
	} else {
		b.listeners[key] = kept
	}
	return snapshot
}

func (b *Bridge) invoke(key RoutingKey, e *listenerEntry, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("key", key.String()).Msg("event listener panic")
		}
	}()
	e.handler(env)
}

func (b *Bridge) consume(eventName string, msgs <-chan *message.Message) {
	defer b.wg.Done()
	for msg := range msgs {
		b.Dispatch(eventName, msg.Payload)
		msg.Ack()
	}
	b.logger.Debug().Str("event", eventName).Msg("ingress consumer stopped")
}

// Close drops native interest in every subscribed event and stops the
// ingress consumers.
func (b *Bridge) Close(ctx context.Context) error {
	b.interestMu.Lock()
	names := make([]string, len(b.order))
	copy(names, b.order)
	var errs []error
	for _, name := range names {
		if err := b.unsubscribeLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	b.interestMu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info().Msg("bridge closed")
	return errors.Join(errs...)
}
