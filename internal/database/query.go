package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nativebridge/internal/gateway"
	"nativebridge/internal/synctree"
)

var (
	ErrInvalidEventType = errors.New("database: invalid event type")
	ErrNilListener      = errors.New("database: listener is required")
)

// Query is an immutable view of a location with optional constraints.
type Query struct {
	db        *Database
	path      string
	modifiers Modifiers
}

// Path returns the normalized location, "/" for the root.
func (q *Query) Path() string { return q.path }

// Key returns the last path segment, "" for the root.
func (q *Query) Key() string { return synctree.LastSegment(q.path) }

// Modifiers returns the constraints of the query.
func (q *Query) Modifiers() Modifiers { return q.modifiers }

// Ref returns the unconstrained reference to the query location.
func (q *Query) Ref() *Reference { return newReference(q.db, q.path) }

// QueryKey identifies the query on the native side. Queries built with the
// same constraints in any order share a key.
func (q *Query) QueryKey() string {
	return fmt.Sprintf("$%s$/%s$%s$%s", q.db.url, strings.TrimPrefix(q.path, "/"), q.db.appName, q.modifiers)
}

// String returns the URL of the location.
func (q *Query) String() string {
	segments := synctree.Segments(q.path)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return q.db.url + "/" + strings.Join(segments, "/")
}

func (q *Query) derive(m Modifiers, err error) (*Query, error) {
	if err != nil {
		return nil, err
	}
	return &Query{db: q.db, path: q.path, modifiers: m}, nil
}

func (q *Query) OrderByChild(path string) (*Query, error) {
	return q.derive(q.modifiers.orderByChild(path))
}

func (q *Query) OrderByKey() (*Query, error) {
	return q.derive(q.modifiers.orderByName("orderByKey"))
}

func (q *Query) OrderByValue() (*Query, error) {
	return q.derive(q.modifiers.orderByName("orderByValue"))
}

func (q *Query) OrderByPriority() (*Query, error) {
	return q.derive(q.modifiers.orderByName("orderByPriority"))
}

func (q *Query) LimitToFirst(limit int) (*Query, error) {
	return q.derive(q.modifiers.limitTo("limitToFirst", limit, "left"))
}

func (q *Query) LimitToLast(limit int) (*Query, error) {
	return q.derive(q.modifiers.limitTo("limitToLast", limit, "right"))
}

// StartAt constrains the query to values at or after value. key further
// bounds ties and may be empty.
func (q *Query) StartAt(value any, key string) (*Query, error) {
	return q.derive(q.modifiers.filter("startAt", value, key))
}

// EndAt constrains the query to values at or before value.
func (q *Query) EndAt(value any, key string) (*Query, error) {
	return q.derive(q.modifiers.filter("endAt", value, key))
}

// EqualTo is StartAt and EndAt with the same bound.
func (q *Query) EqualTo(value any, key string) (*Query, error) {
	if q.modifiers.startAt != nil {
		return nil, ErrStartAlreadySet
	}
	if q.modifiers.endAt != nil {
		return nil, ErrEndAlreadySet
	}
	m, err := q.modifiers.filter("startAt", value, key)
	if err != nil {
		return nil, err
	}
	return q.derive(m.filter("endAt", value, key))
}

// On registers listener for eventType and starts the native listener. When
// cancel is set it receives the error if native cancels the listener. The
// same listener may be registered more than once; each call needs its own Off.
func (q *Query) On(ctx context.Context, eventType synctree.EventType, listener *synctree.Listener, cancel synctree.CancelFunc) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if listener == nil {
		return ErrNilListener
	}

	db := q.db
	queryKey := q.QueryKey()
	regKey := db.keys.registrationKey(queryKey, eventType)
	cancelKey := synctree.CancellationKey(regKey)
	ref := q.Ref()

	db.tree.AddRegistration(synctree.Registration{
		Key:             queryKey,
		RegistrationKey: regKey,
		Path:            q.path,
		EventType:       eventType,
		Listener:        listener,
		Ref:             ref,
		AppName:         db.appName,
		DBURL:           db.url,
	})
	if cancel != nil {
		// cancellation arrives at most once and only on native failure
		db.tree.AddRegistration(synctree.Registration{
			Key:             queryKey,
			RegistrationKey: cancelKey,
			Path:            q.path,
			EventType:       eventType.Cancelled(),
			Listener:        synctree.NewCancelListener(cancel),
			Once:            true,
			Ref:             ref,
			AppName:         db.appName,
			DBURL:           db.url,
		})
	}

	err := db.query.On(ctx, gateway.OnProps{
		Key:                     queryKey,
		Path:                    q.path,
		AppName:                 db.appName,
		Modifiers:               q.modifiers.List(),
		EventType:               string(eventType),
		HasCancellationCallback: cancel != nil,
		Registration: gateway.QueryRegistration{
			EventRegistrationKey:        regKey,
			Key:                         queryKey,
			RegistrationCancellationKey: cancelKey,
		},
	})
	if err != nil {
		db.tree.RemoveListenersForRegistrations(cancelKey, regKey)
		return fmt.Errorf("listen %s on %s: %w", eventType, q.path, err)
	}
	db.logger.Debug().
		Str("path", q.path).
		Str("eventType", string(eventType)).
		Str("registration", regKey).
		Msg("listening")
	return nil
}

// Off removes listeners on the query location. An empty eventType removes
// every listener on the location. With a listener only its earliest
// registration for eventType is removed; without one every registration of
// eventType is. Paired cancellation registrations go with them. It returns
// the number of listeners removed.
func (q *Query) Off(eventType synctree.EventType, listener *synctree.Listener) (int, error) {
	tree := q.db.tree
	if eventType == "" {
		if listener != nil {
			return 0, fmt.Errorf("%w: a listener requires an event type", ErrInvalidEventType)
		}
		return tree.RemoveListenersForRegistrations(tree.GetRegistrationsByPath(q.path)...), nil
	}
	if !eventType.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	if listener != nil {
		key, ok := tree.GetOneByPathEventListener(q.path, eventType, listener)
		if !ok {
			return 0, nil
		}
		tree.RemoveListenersForRegistrations(synctree.CancellationKey(key))
		return len(tree.RemoveListenerRegistrations(listener, []string{key})), nil
	}

	keys := tree.GetRegistrationsByPathEvent(q.path, eventType)
	tree.RemoveListenersForRegistrations(tree.GetRegistrationsByPathEvent(q.path, eventType.Cancelled())...)
	return tree.RemoveListenersForRegistrations(keys...), nil
}

// Once fetches the current data for eventType without registering a
// listener. previousChildName is only set for child events.
func (q *Query) Once(ctx context.Context, eventType synctree.EventType) (*synctree.Snapshot, string, error) {
	if !eventType.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	raw, err := q.db.query.Once(ctx, q.path, q.modifiers.List(), string(eventType))
	if err != nil {
		return nil, "", fmt.Errorf("once %s on %s: %w", eventType, q.path, err)
	}
	return synctree.DecodeEventData(q.Ref(), eventType, raw)
}

// KeepSynced asks native to keep the query data cached locally.
func (q *Query) KeepSynced(ctx context.Context, keep bool) error {
	return q.db.query.KeepSynced(ctx, q.QueryKey(), q.path, q.modifiers.List(), keep)
}
