package synctree

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"nativebridge/internal/bridge"
	"nativebridge/internal/metrics"
)

// Namespace is the error namespace of cancellation errors.
const Namespace = "database"

type entry struct {
	listener *Listener
	seq      uint64
}

// Tree holds the forward index path → event type → registration key →
// listener and the reverse index registration key → registration.
// Listeners are never invoked with the lock held.
type Tree struct {
	native  Native
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	forward map[string]map[EventType]map[string]entry
	reverse map[string]Registration
	seq     uint64
}

// New creates an empty tree issuing unsubscribes through native.
func New(native Native, m *metrics.Metrics, logger zerolog.Logger) *Tree {
	return &Tree{
		native:  native,
		metrics: m,
		logger:  logger.With().Str("component", "synctree").Logger(),
		forward: make(map[string]map[EventType]map[string]entry),
		reverse: make(map[string]Registration),
	}
}

// AddRegistration inserts reg into both indices and returns its key.
// Re-adding an existing key replaces the previous registration.
func (t *Tree) AddRegistration(reg Registration) string {
	t.mu.Lock()
	_, existed := t.reverse[reg.RegistrationKey]
	if existed {
		t.detachLocked(reg.RegistrationKey)
	}

	byType, ok := t.forward[reg.Path]
	if !ok {
		byType = make(map[EventType]map[string]entry)
		t.forward[reg.Path] = byType
	}
	bucket, ok := byType[reg.EventType]
	if !ok {
		bucket = make(map[string]entry)
		byType[reg.EventType] = bucket
	}
	t.seq++
	bucket[reg.RegistrationKey] = entry{listener: reg.Listener, seq: t.seq}
	t.reverse[reg.RegistrationKey] = reg
	t.mu.Unlock()

	if !existed {
		t.metrics.RegistrationsAdded(1)
	}
	t.logger.Debug().
		Str("key", reg.RegistrationKey).
		Str("path", reg.Path).
		Str("eventType", string(reg.EventType)).
		Bool("once", reg.Once).
		Msg("registration added")
	return reg.RegistrationKey
}

// GetRegistration returns a copy of the registration stored under key.
func (t *Tree) GetRegistration(key string) (Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.reverse[key]
	return reg, ok
}

// RemoveRegistration removes key from both indices. Non-once registrations
// are also removed on the native side. It returns false for unknown keys.
func (t *Tree) RemoveRegistration(key string) bool {
	t.mu.Lock()
	reg, ok := t.detachLocked(key)
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.afterRemove(reg)
	return true
}

// detachLocked drops key from both indices. Emptied buckets are kept.
func (t *Tree) detachLocked(key string) (Registration, bool) {
	reg, ok := t.reverse[key]
	if !ok {
		return Registration{}, false
	}
	delete(t.reverse, key)
	if bucket := t.forward[reg.Path][reg.EventType]; bucket != nil {
		delete(bucket, key)
	}
	return reg, true
}

func (t *Tree) afterRemove(reg Registration) {
	t.metrics.RegistrationsAdded(-1)
	if !reg.Once && t.native != nil {
		t.native.Off(reg.Key, reg.RegistrationKey)
	}
	t.logger.Debug().
		Str("key", reg.RegistrationKey).
		Str("path", reg.Path).
		Str("eventType", string(reg.EventType)).
		Msg("registration removed")
}

// RemoveListenersForRegistrations removes every key and returns how many
// were actually removed.
func (t *Tree) RemoveListenersForRegistrations(keys ...string) int {
	removed := 0
	for _, key := range keys {
		if t.RemoveRegistration(key) {
			removed++
		}
	}
	return removed
}

// RemoveListenerRegistrations removes the keys whose stored listener is
// listener and returns them.
func (t *Tree) RemoveListenerRegistrations(listener *Listener, keys []string) []string {
	if listener == nil {
		return nil
	}
	var (
		removedKeys []string
		removed     []Registration
	)
	t.mu.Lock()
	for _, key := range keys {
		reg, ok := t.reverse[key]
		if !ok || reg.Listener != listener {
			continue
		}
		t.detachLocked(key)
		removedKeys = append(removedKeys, key)
		removed = append(removed, reg)
	}
	t.mu.Unlock()

	for _, reg := range removed {
		t.afterRemove(reg)
	}
	return removedKeys
}

// GetRegistrationsByPath returns the keys registered on path across all
// event types, in registration order.
func (t *Tree) GetRegistrationsByPath(path string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []keyedEntry
	for _, bucket := range t.forward[path] {
		entries = appendEntries(entries, bucket)
	}
	return sortedKeys(entries)
}

// GetRegistrationsByPathEvent returns the keys registered on path for eventType.
func (t *Tree) GetRegistrationsByPathEvent(path string, eventType EventType) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(appendEntries(nil, t.forward[path][eventType]))
}

// GetOneByPathEventListener returns the first key registered on path for
// eventType with listener.
func (t *Tree) GetOneByPathEventListener(path string, eventType EventType, listener *Listener) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := ""
	var foundSeq uint64
	for key, e := range t.forward[path][eventType] {
		if e.listener != listener {
			continue
		}
		if found == "" || e.seq < foundSeq {
			found, foundSeq = key, e.seq
		}
	}
	return found, found != ""
}

// Len returns the number of registrations.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reverse)
}

// Clear removes every registration, unsubscribing non-once ones natively.
func (t *Tree) Clear() int {
	t.mu.Lock()
	removed := make([]Registration, 0, len(t.reverse))
	for _, reg := range t.reverse {
		removed = append(removed, reg)
	}
	t.forward = make(map[string]map[EventType]map[string]entry)
	t.reverse = make(map[string]Registration)
	t.mu.Unlock()

	for _, reg := range removed {
		t.afterRemove(reg)
	}
	return len(removed)
}

// Attach routes sync events published on key to the tree.
func (t *Tree) Attach(b *bridge.Bridge, key bridge.RoutingKey) *bridge.Subscription {
	return b.Listen(key, t.HandleSyncEvent)
}

type keyedEntry struct {
	key string
	seq uint64
}

func appendEntries(out []keyedEntry, bucket map[string]entry) []keyedEntry {
	for key, e := range bucket {
		out = append(out, keyedEntry{key: key, seq: e.seq})
	}
	return out
}

func sortedKeys(entries []keyedEntry) []string {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}
