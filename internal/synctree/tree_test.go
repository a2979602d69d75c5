package synctree

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nativebridge/internal/metrics"
	"nativebridge/internal/nativeerror"
)

type offCall struct {
	queryKey        string
	registrationKey string
}

type mockNative struct {
	mu   sync.Mutex
	offs []offCall
}

func (m *mockNative) Off(queryKey, registrationKey string) {
	m.mu.Lock()
	m.offs = append(m.offs, offCall{queryKey: queryKey, registrationKey: registrationKey})
	m.mu.Unlock()
}

func (m *mockNative) calls() []offCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]offCall, len(m.offs))
	copy(out, m.offs)
	return out
}

func newTestTree() (*Tree, *mockNative) {
	native := &mockNative{}
	return New(native, metrics.New(), zerolog.Nop()), native
}

func valueRegistration(key, path string, eventType EventType, l *Listener) Registration {
	return Registration{
		Key:             "$/" + path + "$",
		RegistrationKey: key,
		Path:            path,
		EventType:       eventType,
		Listener:        l,
		Ref:             pathRef(path),
		AppName:         "[DEFAULT]",
	}
}

func TestAddRegistration_RoundTrip(t *testing.T) {
	tree, _ := newTestTree()
	l := NewListener(func(*Snapshot, string) {})
	reg := Registration{
		Key:             "$https://db$/users$",
		RegistrationKey: "reg-1",
		Path:            "users",
		EventType:       ChildAdded,
		Listener:        l,
		Once:            true,
		Ref:             pathRef("users"),
		AppName:         "secondary",
		DBURL:           "https://db",
	}

	key := tree.AddRegistration(reg)
	assert.Equal(t, "reg-1", key)

	got, ok := tree.GetRegistration(key)
	require.True(t, ok)
	assert.Equal(t, reg.Key, got.Key)
	assert.Equal(t, reg.Path, got.Path)
	assert.Equal(t, reg.EventType, got.EventType)
	assert.Equal(t, reg.AppName, got.AppName)
	assert.Equal(t, reg.DBURL, got.DBURL)
	assert.True(t, got.Once)
	assert.Equal(t, "users", got.Ref.Path())
	assert.Same(t, l, got.Listener)
	assert.Equal(t, 1, tree.Len())
}

func TestRemoveRegistration_Idempotent(t *testing.T) {
	tree, native := newTestTree()
	tree.AddRegistration(valueRegistration("k1", "a", Value, NewListener(nil)))

	assert.True(t, tree.RemoveRegistration("k1"))
	assert.False(t, tree.RemoveRegistration("k1"))
	assert.False(t, tree.RemoveRegistration("never-added"))

	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "k1"}}, native.calls())
	_, ok := tree.GetRegistration("k1")
	assert.False(t, ok)
	assert.Empty(t, tree.GetRegistrationsByPath("a"))
}

func TestRemoveRegistration_OnceSkipsNativeOff(t *testing.T) {
	tree, native := newTestTree()
	reg := valueRegistration("k1", "a", Value, NewListener(nil))
	reg.Once = true
	tree.AddRegistration(reg)

	assert.True(t, tree.RemoveRegistration("k1"))
	assert.Empty(t, native.calls())
}

func TestGetRegistrationsByPath_Aggregates(t *testing.T) {
	tree, _ := newTestTree()
	l1, l2, l3 := NewListener(nil), NewListener(nil), NewListener(nil)
	tree.AddRegistration(valueRegistration("k1", "/a", Value, l1))
	tree.AddRegistration(valueRegistration("k2", "/a", ChildAdded, l2))
	tree.AddRegistration(valueRegistration("k3", "/a", Value, l3))

	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, tree.GetRegistrationsByPath("/a"))
	assert.Equal(t, []string{"k1", "k3"}, tree.GetRegistrationsByPathEvent("/a", Value))
	assert.Equal(t, []string{"k2"}, tree.GetRegistrationsByPathEvent("/a", ChildAdded))
	assert.Empty(t, tree.GetRegistrationsByPathEvent("/a", ChildMoved))
	assert.Empty(t, tree.GetRegistrationsByPath("/b"))
	assert.NotNil(t, tree.GetRegistrationsByPath("/b"))
}

func TestGetOneByPathEventListener(t *testing.T) {
	tree, _ := newTestTree()
	l1, l2 := NewListener(nil), NewListener(nil)
	tree.AddRegistration(valueRegistration("k1", "a", Value, l1))
	tree.AddRegistration(valueRegistration("k2", "a", Value, l2))
	tree.AddRegistration(valueRegistration("k3", "a", Value, l2))

	key, ok := tree.GetOneByPathEventListener("a", Value, l2)
	require.True(t, ok)
	assert.Equal(t, "k2", key)

	_, ok = tree.GetOneByPathEventListener("a", ChildAdded, l2)
	assert.False(t, ok)
	_, ok = tree.GetOneByPathEventListener("b", Value, l1)
	assert.False(t, ok)
	_, ok = tree.GetOneByPathEventListener("a", Value, NewListener(nil))
	assert.False(t, ok)
}

func TestRemoveListenersForRegistrations_CountsActualRemovals(t *testing.T) {
	tree, native := newTestTree()
	tree.AddRegistration(valueRegistration("k1", "a", Value, NewListener(nil)))
	tree.AddRegistration(valueRegistration("k2", "a", Value, NewListener(nil)))

	assert.Equal(t, 1, tree.RemoveListenersForRegistrations("k1"))
	assert.Equal(t, 1, tree.RemoveListenersForRegistrations("k1", "k2", "missing"))
	assert.Equal(t, 0, tree.RemoveListenersForRegistrations())
	assert.Len(t, native.calls(), 2)
}

func TestRemoveListenerRegistrations_IdentityMatch(t *testing.T) {
	tree, native := newTestTree()
	l1, l2, l3 := NewListener(nil), NewListener(nil), NewListener(nil)
	tree.AddRegistration(valueRegistration("k1", "a", Value, l1))
	tree.AddRegistration(valueRegistration("k2", "a", Value, l2))
	tree.AddRegistration(valueRegistration("k3", "a", Value, l3))

	removed := tree.RemoveListenerRegistrations(l2, []string{"k1", "k2", "k3"})
	assert.Equal(t, []string{"k2"}, removed)

	_, ok := tree.GetRegistration("k1")
	assert.True(t, ok)
	_, ok = tree.GetRegistration("k3")
	assert.True(t, ok)
	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "k2"}}, native.calls())

	assert.Empty(t, tree.RemoveListenerRegistrations(nil, []string{"k1"}))
}

func TestDeliver_ValueEvent(t *testing.T) {
	tree, native := newTestTree()

	var got *Snapshot
	var prev string
	calls := 0
	tree.AddRegistration(valueRegistration("k1", "users/1", Value, NewListener(func(s *Snapshot, p string) {
		calls++
		got, prev = s, p
	})))

	tree.Deliver(&SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/users/1$", EventRegistrationKey: "k1", Path: "users/1"},
		Data:         []byte(`{"key":"1","value":{"name":"ada"},"exists":true,"childKeys":["name"],"priority":null}`),
	})

	require.Equal(t, 1, calls)
	assert.Equal(t, "", prev)
	assert.Equal(t, "1", got.Key())
	assert.True(t, got.Exists())
	assert.Equal(t, "users/1", got.Ref().Path())

	var user struct {
		Name string `json:"name"`
	}
	require.NoError(t, got.Val(&user))
	assert.Equal(t, "ada", user.Name)
	assert.Empty(t, native.calls())

	_, ok := tree.GetRegistration("k1")
	assert.True(t, ok, "non-once registration must survive delivery")
}

func TestDeliver_ChildEventCarriesPreviousChildName(t *testing.T) {
	tree, _ := newTestTree()

	var got *Snapshot
	var prev string
	tree.AddRegistration(valueRegistration("k1", "users", ChildAdded, NewListener(func(s *Snapshot, p string) {
		got, prev = s, p
	})))

	tree.Deliver(&SyncEvent{
		EventType:    ChildAdded,
		Registration: EventRegistration{Key: "$/users$", EventRegistrationKey: "k1", Path: "users"},
		Data:         []byte(`{"snapshot":{"key":"2","value":{"name":"bob"},"exists":true,"childKeys":["name"]},"previousChildName":"1"}`),
	})

	require.NotNil(t, got)
	assert.Equal(t, "1", prev)
	assert.Equal(t, "2", got.Key())
}

func TestDeliver_OnceInvokesAtMostOnce(t *testing.T) {
	tree, native := newTestTree()
	calls := 0
	reg := valueRegistration("k1", "a", Value, nil)
	reg.Once = true
	reg.Listener = NewListener(func(*Snapshot, string) {
		calls++
		_, ok := tree.GetRegistration("k1")
		assert.False(t, ok, "once registration must be removed before the listener runs")
	})
	tree.AddRegistration(reg)

	ev := &SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "k1"},
		Data:         []byte(`{"value":1,"exists":true}`),
	}
	tree.Deliver(ev)
	assert.Equal(t, 1, calls)
	assert.Empty(t, native.calls(), "once removal must not issue native off")
	assert.Empty(t, tree.GetRegistrationsByPath("a"))

	tree.Deliver(ev)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "k1"}}, native.calls())
}

func TestDeliver_MalformedPayloadKeepsOnceRegistration(t *testing.T) {
	tree, native := newTestTree()
	calls := 0
	reg := valueRegistration("k1", "a", Value, NewListener(func(*Snapshot, string) { calls++ }))
	reg.Once = true
	tree.AddRegistration(reg)

	tree.Deliver(&SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "k1"},
		Data:         []byte(`{"value":`),
	})
	assert.Equal(t, 0, calls)
	_, ok := tree.GetRegistration("k1")
	assert.True(t, ok, "a payload that fails to decode must not consume the once registration")

	tree.Deliver(&SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "k1"},
		Data:         []byte(`{"value":2,"exists":true}`),
	})
	assert.Equal(t, 1, calls)
	_, ok = tree.GetRegistration("k1")
	assert.False(t, ok)
	assert.Empty(t, native.calls())
}

func TestDeliver_StaleEvent(t *testing.T) {
	m := metrics.New()
	native := &mockNative{}
	tree := New(native, m, zerolog.Nop())

	calls := 0
	tree.AddRegistration(valueRegistration("other", "a", Value, NewListener(func(*Snapshot, string) { calls++ })))

	tree.Deliver(&SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "gone"},
		Data:         []byte(`{"value":1,"exists":true}`),
	})

	assert.Equal(t, 0, calls)
	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "gone"}}, native.calls())
}

func TestDeliver_ExplicitRemovalThenStaleEvent(t *testing.T) {
	tree, native := newTestTree()
	tree.AddRegistration(valueRegistration("k1", "a", Value, NewListener(func(*Snapshot, string) {
		t.Fatal("listener must not run after removal")
	})))
	require.True(t, tree.RemoveRegistration("k1"))

	tree.Deliver(&SyncEvent{
		EventType:    Value,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "k1"},
		Data:         []byte(`{"value":1,"exists":true}`),
	})

	// the native side must tolerate the repeated off
	assert.Equal(t, []offCall{
		{queryKey: "$/a$", registrationKey: "k1"},
		{queryKey: "$/a$", registrationKey: "k1"},
	}, native.calls())
}

func TestDeliver_CancellationPairing(t *testing.T) {
	tree, native := newTestTree()

	valueCalls := 0
	var cancelErrs []error
	tree.AddRegistration(valueRegistration("vk", "a", Value, NewListener(func(*Snapshot, string) { valueCalls++ })))
	tree.AddRegistration(Registration{
		Key:             "$/a$",
		RegistrationKey: CancellationKey("vk"),
		Path:            "a",
		EventType:       Value.Cancelled(),
		Listener:        NewCancelListener(func(err error) { cancelErrs = append(cancelErrs, err) }),
		Once:            true,
	})

	ev := &SyncEvent{
		EventType: Value,
		Registration: EventRegistration{
			Key:                         "$/a$",
			EventRegistrationKey:        "vk",
			RegistrationCancellationKey: "vk$cancelled",
		},
		Error: &EventError{Nested: &nativeerror.UserInfo{Code: "permission-denied", Message: "denied"}},
	}
	tree.Deliver(ev)
	tree.Deliver(ev)

	require.Len(t, cancelErrs, 1)
	var nerr *nativeerror.Error
	require.True(t, errors.As(cancelErrs[0], &nerr))
	assert.Equal(t, "database/permission-denied", nerr.Code)
	assert.Equal(t, "[database/permission-denied] denied", nerr.Message)
	assert.NotEmpty(t, nerr.Stack)

	_, ok := tree.GetRegistration("vk")
	assert.False(t, ok)
	_, ok = tree.GetRegistration("vk$cancelled")
	assert.False(t, ok)
	assert.Equal(t, 0, valueCalls)
	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "vk"}}, native.calls())
}

func TestDeliver_CancelWithoutCodeIsUnknown(t *testing.T) {
	tree, _ := newTestTree()
	var got error
	tree.AddRegistration(Registration{
		Key:             "$/a$",
		RegistrationKey: "vk$cancelled",
		Path:            "a",
		EventType:       Value.Cancelled(),
		Listener:        NewCancelListener(func(err error) { got = err }),
		Once:            true,
	})

	tree.Deliver(&SyncEvent{
		EventType:    Cancel,
		Registration: EventRegistration{Key: "$/a$", EventRegistrationKey: "vk", RegistrationCancellationKey: "vk$cancelled"},
	})

	var nerr *nativeerror.Error
	require.ErrorAs(t, got, &nerr)
	assert.Equal(t, "database/unknown", nerr.Code)
}

func TestClear(t *testing.T) {
	tree, native := newTestTree()
	tree.AddRegistration(valueRegistration("k1", "a", Value, NewListener(nil)))
	once := valueRegistration("k2", "b", Value, NewListener(nil))
	once.Once = true
	tree.AddRegistration(once)

	assert.Equal(t, 2, tree.Clear())
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, []offCall{{queryKey: "$/a$", registrationKey: "k1"}}, native.calls())
}

func TestEventType(t *testing.T) {
	assert.True(t, Value.Valid())
	assert.True(t, ChildMoved.Valid())
	assert.False(t, Cancel.Valid())
	assert.False(t, EventType("value$cancelled").Valid())
	assert.False(t, Value.IsChild())
	assert.True(t, ChildRemoved.IsChild())
	assert.Equal(t, EventType("child_added$cancelled"), ChildAdded.Cancelled())
	assert.True(t, ChildAdded.Cancelled().IsCancelled())
	assert.Equal(t, "abc$cancelled", CancellationKey("abc"))
}
