package database

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nativebridge/internal/gateway"
	"nativebridge/internal/synctree"
)

type fakeQuery struct {
	mu       sync.Mutex
	ons      []gateway.OnProps
	onErr    error
	onceRaw  json.RawMessage
	onceErr  error
	onceArgs []any
	synced   []bool
}

func (f *fakeQuery) On(_ context.Context, props gateway.OnProps) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ons = append(f.ons, props)
	return f.onErr
}

func (f *fakeQuery) Once(_ context.Context, path string, modifiers any, eventType string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onceArgs = []any{path, modifiers, eventType}
	return f.onceRaw, f.onceErr
}

func (f *fakeQuery) KeepSynced(_ context.Context, _, _ string, _ any, keep bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, keep)
	return nil
}

type refCall struct {
	method string
	path   string
	value  any
}

type fakeReference struct {
	mu    sync.Mutex
	calls []refCall
	err   error
}

func (f *fakeReference) record(c refCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeReference) Set(_ context.Context, path string, value any) error {
	return f.record(refCall{method: "set", path: path, value: value})
}

func (f *fakeReference) Update(_ context.Context, path string, values map[string]any) error {
	return f.record(refCall{method: "update", path: path, value: values})
}

func (f *fakeReference) Remove(_ context.Context, path string) error {
	return f.record(refCall{method: "remove", path: path})
}

func (f *fakeReference) SetWithPriority(_ context.Context, path string, value, priority any) error {
	return f.record(refCall{method: "setWithPriority", path: path, value: []any{value, priority}})
}

func (f *fakeReference) SetPriority(_ context.Context, path string, priority any) error {
	return f.record(refCall{method: "setPriority", path: path, value: priority})
}

func (f *fakeReference) recorded() []refCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]refCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeOnDisconnect struct {
	fakeReference
}

func (f *fakeOnDisconnect) Cancel(_ context.Context, path string) error {
	return f.record(refCall{method: "cancel", path: path})
}

type commitCall struct {
	id    int64
	value any
	abort bool
}

type fakeTransaction struct {
	mu       sync.Mutex
	started  []int64
	paths    []string
	commits  []commitCall
	startErr error
}

func (f *fakeTransaction) Start(_ context.Context, path string, id int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.paths = append(f.paths, path)
	return nil
}

func (f *fakeTransaction) TryCommit(_ context.Context, id int64, value any, abort bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commitCall{id: id, value: value, abort: abort})
	return nil
}

func (f *fakeTransaction) startedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.started...)
}

func (f *fakeTransaction) committed() []commitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commitCall(nil), f.commits...)
}

type offRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (o *offRecorder) Off(_, registrationKey string) {
	o.mu.Lock()
	o.keys = append(o.keys, registrationKey)
	o.mu.Unlock()
}

func (o *offRecorder) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

type testDB struct {
	db           *Database
	query        *fakeQuery
	ref          *fakeReference
	onDisconnect *fakeOnDisconnect
	transaction  *fakeTransaction
	offs         *offRecorder
}

func newTestDB(t *testing.T, url string) *testDB {
	t.Helper()
	offs := &offRecorder{}
	q := &fakeQuery{}
	r := &fakeReference{}
	od := &fakeOnDisconnect{}
	tx := &fakeTransaction{}
	db, err := New(Options{
		AppName:      "[DEFAULT]",
		URL:          url,
		Query:        q,
		Reference:    r,
		Tree:         synctree.New(offs, nil, zerolog.Nop()),
		OnDisconnect: od,
		Transaction:  tx,
	}, zerolog.Nop())
	require.NoError(t, err)
	return &testDB{db: db, query: q, ref: r, onDisconnect: od, transaction: tx, offs: offs}
}
