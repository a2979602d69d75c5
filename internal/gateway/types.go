// Package gateway wraps native modules so that every call carries the
// module's context arguments and native rejections surface as structured
// *nativeerror.Error values.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// NativeModule is a module provided by the native host.
type NativeModule interface {
	Name() string
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Constants() map[string]any
}

// Host resolves native modules by name.
type Host interface {
	Module(name string) (NativeModule, bool)
}

// EventSubscriber registers interest in a native event name. The bridge
// implements it.
type EventSubscriber interface {
	Subscribe(ctx context.Context, eventName string) error
}

// MissingModuleError is returned when a namespace is used but the native
// host does not provide its module.
type MissingModuleError struct {
	Namespace  string
	ModuleName string
}

func (e *MissingModuleError) Error() string {
	module := e.ModuleName
	if module == "" {
		module = "<nil>"
	}
	return fmt.Sprintf("you attempted to use a native module that's not installed by calling firebase.%s(): "+
		"ensure the native host provides module '%s' for namespace '%s'", e.Namespace, module, e.Namespace)
}

// ModuleKey identifies a wrapped module in the registry.
type ModuleKey struct {
	URLOrRegion string
	App         string
	Namespace   string
	Module      string
}

// ModuleSpec describes how a namespace binds to a native module.
type ModuleSpec struct {
	Namespace         string
	NativeModuleName  string
	MultiApp          bool // prepend the app name
	CustomURLOrRegion bool // prepend the custom URL or region
	NativeEvents      []string
}
