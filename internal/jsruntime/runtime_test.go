package jsruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nativebridge/internal/bridge"
	"nativebridge/internal/database"
	"nativebridge/internal/gateway"
	"nativebridge/internal/nativeerror"
	"nativebridge/internal/synctree"
)

type fakeQuery struct {
	mu      sync.Mutex
	ons     []gateway.OnProps
	onceRaw json.RawMessage
}

func (f *fakeQuery) On(_ context.Context, props gateway.OnProps) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ons = append(f.ons, props)
	return nil
}

func (f *fakeQuery) Once(context.Context, string, any, string) (json.RawMessage, error) {
	return f.onceRaw, nil
}

func (f *fakeQuery) KeepSynced(context.Context, string, string, any, bool) error { return nil }

func (f *fakeQuery) lastOn(t *testing.T) gateway.OnProps {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.ons)
	return f.ons[len(f.ons)-1]
}

type fakeReference struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeReference) record(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return f.err
}

func (f *fakeReference) Set(_ context.Context, path string, _ any) error { return f.record(path) }

func (f *fakeReference) Update(_ context.Context, path string, _ map[string]any) error {
	return f.record(path)
}

func (f *fakeReference) Remove(_ context.Context, path string) error { return f.record(path) }

func (f *fakeReference) SetWithPriority(_ context.Context, path string, _, _ any) error {
	return f.record(path)
}

func (f *fakeReference) SetPriority(_ context.Context, path string, _ any) error { return f.record(path) }

type offRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (o *offRecorder) Off(_, registrationKey string) {
	o.mu.Lock()
	o.keys = append(o.keys, registrationKey)
	o.mu.Unlock()
}

type commitCall struct {
	value any
	abort bool
}

type fakeTransaction struct {
	mu      sync.Mutex
	started []int64
	commits []commitCall
}

func (f *fakeTransaction) Start(_ context.Context, _ string, id int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeTransaction) TryCommit(_ context.Context, _ int64, value any, abort bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commitCall{value: value, abort: abort})
	return nil
}

func (f *fakeTransaction) lastStarted() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return 0, false
	}
	return f.started[len(f.started)-1], true
}

func (f *fakeTransaction) committed() []commitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commitCall(nil), f.commits...)
}

type fakeDatabases struct {
	db *database.Database
}

func (f *fakeDatabases) Database(context.Context, string) (*database.Database, error) {
	return f.db, nil
}

type harness struct {
	rt      *Runtime
	db      *database.Database
	query   *fakeQuery
	ref     *fakeReference
	tx      *fakeTransaction
	offs    *offRecorder
	reports chan interface{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		query:   &fakeQuery{},
		ref:     &fakeReference{},
		tx:      &fakeTransaction{},
		offs:    &offRecorder{},
		reports: make(chan interface{}, 16),
	}
	db, err := database.New(database.Options{
		AppName:   "[DEFAULT]",
		Query:     h.query,
		Reference:   h.ref,
		Tree:        synctree.New(h.offs, nil, zerolog.Nop()),
		Transaction: h.tx,
	}, zerolog.Nop())
	require.NoError(t, err)
	h.db = db

	opts.Databases = &fakeDatabases{db: db}
	h.rt = New(opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.rt.Run(ctx)

	require.NoError(t, h.rt.Set(ctx, "report", func(v interface{}) {
		h.reports <- v
	}))
	return h
}

func (h *harness) run(t *testing.T, src string) {
	t.Helper()
	require.NoError(t, h.rt.RunScript(context.Background(), "test.js", src))
}

func (h *harness) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case v := <-h.reports:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for report")
		return nil
	}
}

func (h *harness) deliver(props gateway.OnProps, data string) {
	h.db.Tree().Deliver(&synctree.SyncEvent{
		EventType: synctree.EventType(props.EventType),
		Registration: synctree.EventRegistration{
			Key:                  props.Key,
			EventRegistrationKey: props.Registration.EventRegistrationKey,
		},
		Data: []byte(data),
	})
}

func TestRunScript(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `report(1 + 1)`)
	assert.EqualValues(t, 2, h.next(t))

	err := h.rt.RunScript(context.Background(), "bad.js", `throw new Error("boom")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunScript_Timeout(t *testing.T) {
	h := newHarness(t, Options{ExecutionTimeout: 50 * time.Millisecond})

	err := h.rt.RunScript(context.Background(), "loop.js", `for (;;) {}`)
	assert.ErrorIs(t, err, ErrTimeout)

	h.run(t, `report("alive")`)
	assert.Equal(t, "alive", h.next(t))
}

func TestReferenceNavigation(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var ref = firebase.database().ref("users/ada");
		report([ref.path, ref.key, ref.parent.path, ref.root.key, ref.child("x").path].join("|"));
		report(firebase.database() === firebase.database());
		report(firebase.database().ref().parent === null);
	`)
	assert.Equal(t, "users/ada|ada|users||users/ada/x", h.next(t))
	assert.Equal(t, true, h.next(t))
	assert.Equal(t, true, h.next(t))
}

func TestOnDeliverOff(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var ref = firebase.database().ref("users/ada");
		function cb(snap) {
			report(snap.key + ":" + JSON.stringify(snap.val()) + ":" + snap.numChildren());
		}
		report(ref.on("value", cb) === cb);
	`)
	assert.Equal(t, true, h.next(t))

	props := h.query.lastOn(t)
	assert.Equal(t, "users/ada", props.Path)
	assert.Equal(t, "value", props.EventType)
	assert.False(t, props.HasCancellationCallback)

	h.deliver(props, `{"value":{"age":36},"exists":true,"childKeys":["age"]}`)
	assert.Equal(t, `ada:{"age":36}:1`, h.next(t))

	h.run(t, `report(ref.off("value", cb)); report(ref.off("value", function() {}));`)
	assert.EqualValues(t, 1, h.next(t))
	assert.EqualValues(t, 0, h.next(t))

	h.deliver(props, `{"value":{"age":37},"exists":true,"childKeys":["age"]}`)
	// explicit removal and the stale event each unsubscribe natively
	regKey := props.Registration.EventRegistrationKey
	h.offs.mu.Lock()
	assert.Equal(t, []string{regKey, regKey}, h.offs.keys)
	h.offs.mu.Unlock()
}

func TestOnSameFunctionSharesListener(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var ref = firebase.database().ref("a");
		function cb() {}
		ref.on("value", cb);
		ref.on("child_added", cb);
		report(ref.off("child_added", cb));
		report(ref.off());
	`)
	assert.EqualValues(t, 1, h.next(t))
	assert.EqualValues(t, 1, h.next(t))
}

func TestOnCancellation(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		firebase.database().ref("secret").on("value", function() {}, function(err) {
			report(err.code);
		});
	`)
	props := h.query.lastOn(t)
	assert.True(t, props.HasCancellationCallback)

	h.db.Tree().Deliver(&synctree.SyncEvent{
		EventType: synctree.Value,
		Registration: synctree.EventRegistration{
			Key:                         props.Key,
			EventRegistrationKey:        props.Registration.EventRegistrationKey,
			RegistrationCancellationKey: props.Registration.RegistrationCancellationKey,
		},
		Error: &synctree.EventError{UserInfo: nativeerror.UserInfo{Code: "permission-denied"}},
	})
	assert.Equal(t, "database/permission-denied", h.next(t))
	assert.Equal(t, 0, h.db.Tree().Len())
}

func TestOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.query.onceRaw = json.RawMessage(`{"value":{"a":{"n":1},"b":{"n":2}},"exists":true,"childKeys":["a","b"]}`)

	h.run(t, `
		firebase.database().ref("items").once("value").then(function(snap) {
			var keys = [];
			snap.forEach(function(child) { keys.push(child.key + "=" + child.child("n").val()); });
			report(keys.join(","));
			report(snap.hasChild("a/n") && !snap.hasChild("c"));
		});
	`)
	assert.Equal(t, "a=1,b=2", h.next(t))
	assert.Equal(t, true, h.next(t))
}

func TestWrites(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var ref = firebase.database().ref("users/ada");
		ref.set({age: 36}).then(function() { report("set"); });
	`)
	assert.Equal(t, "set", h.next(t))

	h.run(t, `
		var ref = firebase.database().ref("users/ada");
		ref.update({age: 37}).then(function() { report("update"); });
	`)
	assert.Equal(t, "update", h.next(t))

	h.ref.mu.Lock()
	h.ref.err = nativeerror.New(nativeerror.UserInfo{Code: "permission-denied", Message: "denied"}, "database", nil)
	h.ref.mu.Unlock()

	h.run(t, `
		firebase.database().ref("users/ada").remove().catch(function(err) {
			report(err.code);
		});
	`)
	assert.Equal(t, "database/permission-denied", h.next(t))

	h.ref.mu.Lock()
	assert.Equal(t, []string{"users/ada", "users/ada", "users/ada"}, h.ref.paths)
	h.ref.mu.Unlock()
}

func TestPushAndPriorityWrites(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var list = firebase.database().ref("messages");
		list.push({text: "hi"}).then(function(child) { report(child.path); });
	`)
	path, ok := h.next(t).(string)
	require.True(t, ok)
	assert.Regexp(t, `^messages/[0-9A-Z]{26}$`, path)

	h.run(t, `
		var ref = firebase.database().ref("scores/ada");
		ref.setWithPriority(10, "b").then(function() {
			return ref.setPriority(null);
		}).then(function() { report("done"); });
	`)
	assert.Equal(t, "done", h.next(t))

	h.ref.mu.Lock()
	assert.Equal(t, []string{path, "scores/ada", "scores/ada"}, h.ref.paths)
	h.ref.mu.Unlock()

	h.run(t, `
		firebase.database().ref("presence").onDisconnect().set("offline").catch(function(err) {
			report(err.message);
		});
	`)
	assert.Contains(t, h.next(t), "on-disconnect module not available")
}

func TestTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	event := func(id int64, body string) *bridge.Envelope {
		return &bridge.Envelope{Body: []byte(fmt.Sprintf(`{"id":%d,"body":%s}`, id, body))}
	}
	waitStart := func(after int64) int64 {
		var id int64
		require.Eventually(t, func() bool {
			var ok bool
			id, ok = h.tx.lastStarted()
			return ok && id > after
		}, time.Second, time.Millisecond)
		return id
	}

	h.run(t, `
		firebase.database().ref("counters/visits").transaction(function(current) {
			return (current || 0) + 1;
		}).then(function(result) {
			report(result.committed + ":" + result.snapshot.val());
		});
	`)
	id := waitStart(0)
	h.db.HandleTransactionEvent(event(id, `{"type":"update","value":41}`))
	require.Eventually(t, func() bool { return len(h.tx.committed()) == 1 }, time.Second, time.Millisecond)
	commit := h.tx.committed()[0]
	assert.False(t, commit.abort)
	assert.EqualValues(t, 42, commit.value)

	h.db.HandleTransactionEvent(event(id, `{"type":"complete","committed":true,"snapshot":{"value":42,"exists":true}}`))
	assert.Equal(t, "true:42", h.next(t))

	// returning undefined aborts
	h.run(t, `
		firebase.database().ref("counters/visits").transaction(function() {}).then(function(result) {
			report(result.committed);
		});
	`)
	id = waitStart(id)
	h.db.HandleTransactionEvent(event(id, `{"type":"update","value":1}`))
	require.Eventually(t, func() bool { return len(h.tx.committed()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, h.tx.committed()[1].abort)
	h.db.HandleTransactionEvent(event(id, `{"type":"complete","committed":false}`))
	assert.Equal(t, false, h.next(t))
}

func TestQueryBuilders(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t, `
		var q = firebase.database().ref("scores").orderByChild("points").limitToLast(3);
		q.on("child_added", function() {});
		try {
			firebase.database().ref("scores").orderByKey().startAt(1);
		} catch (e) {
			report(e instanceof TypeError);
		}
	`)
	assert.Equal(t, true, h.next(t))

	props := h.query.lastOn(t)
	assert.Contains(t, props.Key, "{limit-limitToLast:3,order-orderByChild:points}")
}

func TestLoadScripts(t *testing.T) {
	h := newHarness(t, Options{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.js"), []byte(`report("b")`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte(`report("a")`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.js"), []byte(`throw new Error("bad")`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`report("txt")`), 0o644))

	n, err := h.rt.LoadScripts(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "a", h.next(t))
	assert.Equal(t, "b", h.next(t))

	n, err = h.rt.LoadScripts(context.Background(), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
