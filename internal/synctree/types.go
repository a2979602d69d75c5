// Package synctree tracks database listener registrations and routes native
// sync events to them.
package synctree

import (
	"encoding/json"
	"strings"

	"nativebridge/internal/nativeerror"
)

// EventType is a database change notification kind.
type EventType string

const (
	Value        EventType = "value"
	ChildAdded   EventType = "child_added"
	ChildRemoved EventType = "child_removed"
	ChildChanged EventType = "child_changed"
	ChildMoved   EventType = "child_moved"

	// Cancel marks a sync event that cancels a listener.
	Cancel EventType = "cancel"
)

const cancelledSuffix = "$cancelled"

// Valid reports whether e is one of the listenable event types.
func (e EventType) Valid() bool {
	switch e {
	case Value, ChildAdded, ChildRemoved, ChildChanged, ChildMoved:
		return true
	}
	return false
}

// IsChild reports whether e is a child_* event.
func (e EventType) IsChild() bool {
	return e.Valid() && e != Value
}

// Cancelled returns the event type used by the paired cancellation registration.
func (e EventType) Cancelled() EventType {
	return e + cancelledSuffix
}

// IsCancelled reports whether e is a cancellation registration type.
func (e EventType) IsCancelled() bool {
	return strings.HasSuffix(string(e), cancelledSuffix)
}

// CancellationKey returns the key of the cancellation registration paired
// with registrationKey.
func CancellationKey(registrationKey string) string {
	return registrationKey + cancelledSuffix
}

// Ref is the caller-side handle a registration was created from.
type Ref interface {
	Path() string
	Key() string
}

// ValueFunc receives delivered snapshots. previousChildName is only set for
// child_* events.
type ValueFunc func(snap *Snapshot, previousChildName string)

// CancelFunc receives the structured error of a cancelled listener.
type CancelFunc func(err error)

// Listener is a registered callback. Listeners are compared by pointer.
type Listener struct {
	onValue  ValueFunc
	onCancel CancelFunc
}

// NewListener wraps a value callback.
func NewListener(fn ValueFunc) *Listener {
	return &Listener{onValue: fn}
}

// NewCancelListener wraps a cancellation callback.
func NewCancelListener(fn CancelFunc) *Listener {
	return &Listener{onCancel: fn}
}

// Registration is one logical subscription.
type Registration struct {
	Key             string // native query key
	RegistrationKey string
	Path            string
	EventType       EventType
	Listener        *Listener
	Once            bool
	Ref             Ref
	AppName         string
	DBURL           string
}

// Native receives race-closing and teardown unsubscribes. Implementations
// must tolerate repeated calls for the same keys.
type Native interface {
	Off(queryKey, registrationKey string)
}

// EventRegistration identifies the registration a sync event is meant for.
type EventRegistration struct {
	Key                         string `json:"key"`
	EventRegistrationKey        string `json:"eventRegistrationKey"`
	RegistrationCancellationKey string `json:"registrationCancellationKey"`
	Path                        string `json:"path"`
}

// EventError is the error object of a cancellation event. Hosts send either
// a nested userInfo or the userInfo fields inline.
type EventError struct {
	Nested *nativeerror.UserInfo `json:"userInfo,omitempty"`
	nativeerror.UserInfo
}

// Info returns the userInfo of the error.
func (e *EventError) Info() nativeerror.UserInfo {
	if e.Nested != nil {
		return *e.Nested
	}
	return e.UserInfo
}

// SyncEvent is the body of a database_sync_event.
type SyncEvent struct {
	EventType    EventType         `json:"eventType"`
	Registration EventRegistration `json:"registration"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        *EventError       `json:"error,omitempty"`
}

// IsCancellation reports whether the event cancels its registration.
func (e *SyncEvent) IsCancellation() bool {
	return e.Error != nil || e.EventType == Cancel
}
