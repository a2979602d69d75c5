package gateway

import (
	"context"
	"encoding/json"
)

// Future is the pending result of Module.Go.
type Future struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(result json.RawMessage, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done is closed once the native call settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
