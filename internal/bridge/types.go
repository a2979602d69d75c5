// Package bridge relays native events to in-process listeners. Native
// interest is registered once per event name; events are routed by a
// structured key derived from the app and scope fields of their payload.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"nativebridge/internal/jsoncodec"
)

// RoutingKey addresses listeners on the internal bus.
type RoutingKey struct {
	App   string
	Scope string
	Event string
}

// KeyFor derives the routing key of an event. Scope only counts when app is
// also present.
func KeyFor(event, app, scope string) RoutingKey {
	switch {
	case app != "" && scope != "":
		return RoutingKey{App: app, Scope: scope, Event: event}
	case app != "":
		return RoutingKey{App: app, Event: event}
	default:
		return RoutingKey{Event: event}
	}
}

// String renders the key for logs.
func (k RoutingKey) String() string {
	switch {
	case k.App != "" && k.Scope != "":
		return k.App + "-" + k.Scope + "-" + k.Event
	case k.App != "":
		return k.App + "-" + k.Event
	default:
		return k.Event
	}
}

// Envelope is a native event as received from the host.
type Envelope struct {
	EventName string          `json:"-"`
	AppName   string          `json:"appName,omitempty"`
	Scope     string          `json:"databaseId,omitempty"`
	ID        string          `json:"eventId,omitempty"`
	Body      json.RawMessage `json:"-"`
}

func decodeEnvelope(eventName string, payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := jsoncodec.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", eventName, err)
	}
	env.EventName = eventName
	env.Body = json.RawMessage(payload)
	return env, nil
}

// Key returns the routing key of the envelope.
func (e *Envelope) Key() RoutingKey {
	return KeyFor(e.EventName, e.AppName, e.Scope)
}

// Decode unmarshals the full event payload into v.
func (e *Envelope) Decode(v any) error {
	return jsoncodec.Unmarshal(e.Body, v)
}

// Handler receives envelopes from the internal bus.
type Handler func(env *Envelope)

// NativeEvents is the native interest API, implemented by the app module binding.
type NativeEvents interface {
	EventsNotifyReady(ctx context.Context, ready bool) error
	EventsAddListener(ctx context.Context, eventName string) error
	EventsRemoveListener(ctx context.Context, eventName string, all bool) error
}
