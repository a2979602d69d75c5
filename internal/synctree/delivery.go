package synctree

import (
	"encoding/json"
	"fmt"

	"nativebridge/internal/bridge"
	"nativebridge/internal/jsoncodec"
	"nativebridge/internal/nativeerror"
)

// DecodeSyncEvent decodes a sync event from a native event payload. The
// event is read from the payload's "body" field when present.
func DecodeSyncEvent(payload []byte) (*SyncEvent, error) {
	var wrapper struct {
		Body json.RawMessage `json:"body"`
	}
	if err := jsoncodec.Unmarshal(payload, &wrapper); err != nil {
		return nil, fmt.Errorf("decode sync event: %w", err)
	}
	raw := payload
	if len(wrapper.Body) > 0 && string(wrapper.Body) != "null" {
		raw = wrapper.Body
	}

	ev := &SyncEvent{}
	if err := jsoncodec.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode sync event: %w", err)
	}
	return ev, nil
}

// HandleSyncEvent is the bus handler for database_sync_event envelopes.
func (t *Tree) HandleSyncEvent(env *bridge.Envelope) {
	ev, err := DecodeSyncEvent(env.Body)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", env.Key().String()).Msg("dropping malformed sync event")
		return
	}
	t.Deliver(ev)
}

// Deliver routes a decoded sync event to its registration.
func (t *Tree) Deliver(ev *SyncEvent) {
	if ev.IsCancellation() {
		t.deliverCancellation(ev)
		return
	}
	t.deliverValue(ev)
}

func (t *Tree) deliverValue(ev *SyncEvent) {
	regKey := ev.Registration.EventRegistrationKey
	if regKey == "" {
		t.logger.Warn().Str("eventType", string(ev.EventType)).Msg("sync event without registration key")
		return
	}

	t.mu.Lock()
	reg, ok := t.reverse[regKey]
	t.mu.Unlock()

	if !ok {
		// removed locally while the event was in flight
		t.metrics.StaleDelivery()
		t.logger.Debug().
			Str("key", ev.Registration.Key).
			Str("registration", regKey).
			Msg("stale sync event, unsubscribing natively")
		if t.native != nil {
			t.native.Off(ev.Registration.Key, regKey)
		}
		return
	}

	// a once registration stays attached until a payload decodes
	snap, previousChildName, err := DecodeEventData(reg.Ref, ev.EventType, ev.Data)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", regKey).Msg("dropping sync event with malformed snapshot")
		return
	}
	if reg.Once {
		t.mu.Lock()
		_, ok = t.detachLocked(regKey)
		t.mu.Unlock()
		if !ok {
			// settled by a concurrent delivery
			return
		}
		t.afterRemove(reg)
	}
	if reg.Listener != nil && reg.Listener.onValue != nil {
		reg.Listener.onValue(snap, previousChildName)
	}
}

func (t *Tree) deliverCancellation(ev *SyncEvent) {
	cancelKey := ev.Registration.RegistrationCancellationKey

	t.mu.Lock()
	reg, ok := t.detachLocked(cancelKey)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug().Str("registration", cancelKey).Msg("cancellation for unknown registration")
		return
	}
	t.afterRemove(reg)

	var info nativeerror.UserInfo
	if ev.Error != nil {
		info = ev.Error.Info()
	}
	err := nativeerror.FromEvent(info, Namespace, nil)

	// no value events follow a cancellation
	t.RemoveRegistration(ev.Registration.EventRegistrationKey)

	t.metrics.Cancellation()
	t.logger.Debug().
		Str("registration", ev.Registration.EventRegistrationKey).
		Str("code", err.Code).
		Msg("listener cancelled")
	if reg.Listener != nil && reg.Listener.onCancel != nil {
		reg.Listener.onCancel(err)
	}
}
