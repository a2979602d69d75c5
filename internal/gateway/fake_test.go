package gateway_test

import (
	"context"
	"encoding/json"
	"sync"
)

type fakeCall struct {
	method string
	args   []any
}

type fakeNative struct {
	name      string
	constants map[string]any
	respond   func(method string, args []any) (json.RawMessage, error)

	mu    sync.Mutex
	calls []fakeCall
}

func (f *fakeNative) Name() string { return f.name }

func (f *fakeNative) Constants() map[string]any { return f.constants }

func (f *fakeNative) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, args: args})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(method, args)
	}
	return json.RawMessage(`null`), nil
}

func (f *fakeNative) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeHost map[string]*fakeNative

func (h fakeHost) Module(name string) (gatewayNative, bool) {
	m, ok := h[name]
	if !ok {
		return nil, false
	}
	return m, true
}

type fakeEvents struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeEvents) Subscribe(_ context.Context, name string) error {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	return nil
}
