package nativehost

import (
	"context"
	"encoding/json"
	"sync"
)

// nativeModule is a native module exposed by the host.
type nativeModule struct {
	client *Client
	name   string

	mu        sync.RWMutex
	constants map[string]any
}

func (m *nativeModule) Name() string { return m.name }

func (m *nativeModule) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return m.client.Call(ctx, m.name, method, args)
}

func (m *nativeModule) Constants() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.constants
}

func (m *nativeModule) setConstants(constants map[string]any) {
	if constants == nil {
		constants = map[string]any{}
	}
	m.mu.Lock()
	m.constants = constants
	m.mu.Unlock()
}
