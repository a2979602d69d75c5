package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"nativebridge/internal/metrics"
	"nativebridge/internal/nativeerror"
)

var pkgPath = reflect.TypeOf(Module{}).PkgPath()

// Module is a wrapped native module.
type Module struct {
	native      NativeModule
	namespace   string
	contextArgs []any
	metrics     *metrics.Metrics
}

// Wrap binds native to namespace. contextArgs are prepended to the
// arguments of every call.
func Wrap(native NativeModule, namespace string, contextArgs ...any) (*Module, error) {
	if native == nil || isNilInterface(native) {
		return nil, &MissingModuleError{Namespace: namespace}
	}
	args := make([]any, len(contextArgs))
	copy(args, contextArgs)
	return &Module{
		native:      native,
		namespace:   namespace,
		contextArgs: args,
	}, nil
}

func isNilInterface(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Namespace returns the error namespace of the module.
func (m *Module) Namespace() string {
	return m.namespace
}

// Name returns the native module name.
func (m *Module) Name() string {
	return m.native.Name()
}

// ContextArgs returns a copy of the prepended arguments.
func (m *Module) ContextArgs() []any {
	out := make([]any, len(m.contextArgs))
	copy(out, m.contextArgs)
	return out
}

// Call invokes method on the native module and waits for it to settle.
func (m *Module) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	stack := nativeerror.CaptureStack(1).TrimPrefix(pkgPath)
	return m.invoke(ctx, method, stack, args)
}

// Go invokes method without waiting. The returned Future settles with the
// same result Call would have returned.
func (m *Module) Go(ctx context.Context, method string, args ...any) *Future {
	stack := nativeerror.CaptureStack(1).TrimPrefix(pkgPath)
	f := newFuture()
	go func() {
		f.settle(m.invoke(ctx, method, stack, args))
	}()
	return f
}

func (m *Module) invoke(ctx context.Context, method string, stack nativeerror.Stack, args []any) (json.RawMessage, error) {
	all := make([]any, 0, len(m.contextArgs)+len(args))
	all = append(all, m.contextArgs...)
	all = append(all, args...)

	result, err := m.native.Call(ctx, method, all...)
	if err == nil {
		m.metrics.GatewayCall(m.namespace, method, metrics.OutcomeOK)
		return result, nil
	}

	var rejection *nativeerror.Rejection
	if errors.As(err, &rejection) {
		m.metrics.GatewayCall(m.namespace, method, metrics.OutcomeRejected)
		return nil, nativeerror.New(rejection.Info, m.namespace, stack)
	}
	m.metrics.GatewayCall(m.namespace, method, metrics.OutcomeError)
	return nil, err
}

// Constant returns a native constant unchanged.
func (m *Module) Constant(name string) (any, bool) {
	v, ok := m.native.Constants()[name]
	return v, ok
}

// Constants returns a copy of all native constants.
func (m *Module) Constants() map[string]any {
	src := m.native.Constants()
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
