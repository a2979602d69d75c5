// Package nativeerror holds the structured error surfaced to callers when a
// native module rejects a call or cancels a listener.
package nativeerror

import (
	"fmt"
)

// CodeUnknown is used when the native side rejects without a code.
const CodeUnknown = "unknown"

// UserInfo is the payload a native module attaches to a rejection.
type UserInfo struct {
	Code               string `json:"code,omitempty"`
	Message            string `json:"message,omitempty"`
	NativeErrorCode    string `json:"nativeErrorCode,omitempty"`
	NativeErrorMessage string `json:"nativeErrorMessage,omitempty"`
}

// Rejection is returned by native module transports when the native side
// settled a call as rejected. The gateway translates it into *Error.
type Rejection struct {
	Info UserInfo
}

func (r *Rejection) Error() string {
	code := r.Info.Code
	if code == "" {
		code = CodeUnknown
	}
	return fmt.Sprintf("native rejection %s: %s", code, r.Info.Message)
}

// Error is the translated native failure.
type Error struct {
	Namespace          string
	Code               string
	Message            string
	NativeErrorCode    string
	NativeErrorMessage string
	UserInfo           UserInfo
	Stack              Stack
}

// New builds an Error for namespace from the native userInfo. stack should be
// captured at the call site, before the native call was issued.
func New(info UserInfo, namespace string, stack Stack) *Error {
	code := info.Code
	if code == "" {
		code = CodeUnknown
	}
	fullCode := namespace + "/" + code
	return &Error{
		Namespace:          namespace,
		Code:               fullCode,
		Message:            fmt.Sprintf("[%s] %s", fullCode, info.Message),
		NativeErrorCode:    info.NativeErrorCode,
		NativeErrorMessage: info.NativeErrorMessage,
		UserInfo:           info,
		Stack:              stack,
	}
}

// FromEvent builds an Error from the error object carried in a native event
// body, such as a listener cancellation. A nil stack is captured here.
func FromEvent(info UserInfo, namespace string, stack Stack) *Error {
	if stack == nil {
		stack = CaptureStack(1)
	}
	return New(info, namespace, stack)
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
