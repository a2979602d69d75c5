package database

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"nativebridge/internal/synctree"
)

type keyGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newKeyGenerator() *keyGenerator {
	return &keyGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// registrationKey makes every listen call unique within its query.
func (g *keyGenerator) registrationKey(queryKey string, eventType synctree.EventType) string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	g.mu.Unlock()
	return queryKey + "$" + id.String() + "$" + string(eventType)
}

// pushKey is a child key ordered by the estimated server time. offset is in
// milliseconds.
func (g *keyGenerator) pushKey(offset float64) string {
	now := time.Now().Add(time.Duration(offset * float64(time.Millisecond)))
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), g.entropy).String()
}
