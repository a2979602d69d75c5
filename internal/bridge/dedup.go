package bridge

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type dedupKey struct {
	route RoutingKey
	id    string
}

// Deduplicator remembers recently seen event ids per routing key
type Deduplicator struct {
	cache *lru.Cache[dedupKey, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[dedupKey, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether id was already seen for route and records it.
// Events without an id are never duplicates.
func (d *Deduplicator) IsDuplicate(route RoutingKey, id string) bool {
	if id == "" {
		return false
	}
	key := dedupKey{route: route, id: id}
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Clear clears the deduplication cache
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
