package synctree

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nativebridge/internal/bridge"
)

type nopNativeEvents struct{}

func (nopNativeEvents) EventsNotifyReady(context.Context, bool) error { return nil }
func (nopNativeEvents) EventsAddListener(context.Context, string) error { return nil }
func (nopNativeEvents) EventsRemoveListener(context.Context, string, bool) error { return nil }

func TestAttach_RoutesScopedSyncEvents(t *testing.T) {
	b, err := bridge.New(bridge.Options{Native: nopNativeEvents{}}, zerolog.Nop())
	require.NoError(t, err)

	tree, _ := newTestTree()
	var got []string
	tree.AddRegistration(valueRegistration("k1", "a", Value, NewListener(func(s *Snapshot, _ string) {
		got = append(got, string(s.Raw()))
	})))

	sub := tree.Attach(b, bridge.KeyFor("database_sync_event", "[DEFAULT]", "https://one.example"))
	defer sub.Remove()

	payload := func(db string) []byte {
		return []byte(`{"appName":"[DEFAULT]","databaseId":"` + db + `","body":{"eventType":"value","registration":{"key":"$/a$","eventRegistrationKey":"k1"},"data":{"value":42,"exists":true}}}`)
	}
	b.Dispatch("database_sync_event", payload("https://other.example"))
	assert.Empty(t, got)

	b.Dispatch("database_sync_event", payload("https://one.example"))
	assert.Equal(t, []string{"42"}, got)

	sub.Remove()
	b.Dispatch("database_sync_event", payload("https://one.example"))
	assert.Len(t, got, 1)
}
