package jsonrpc

import (
	"encoding/json"

	"nativebridge/internal/jsoncodec"
)

// Version is the JSON-RPC version
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeNativeRejection is used by the native host when a native module
	// rejected the call. Data carries the native userInfo.
	CodeNativeRejection = -32000
)

// Methods spoken with the native host
const (
	MethodDescribe    = "describe"
	MethodNativeEvent = "native_event"
)

// ID represents a JSON-RPC request/response ID
// It can be a string, number, or null
type ID struct {
	value interface{}
}

// NewIDString creates an ID from a string
func NewIDString(s string) ID {
	return ID{value: s}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// IsNull returns true if the ID is null
func (id ID) IsNull() bool {
	return id.value == nil
}

// Value returns the underlying value
func (id ID) Value() interface{} {
	return id.value
}

// Int64 returns the numeric form of the ID
func (id ID) Int64() (int64, bool) {
	switch v := id.value.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	return jsoncodec.Unmarshal(data, &id.value)
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewErrorWithData creates a new JSON-RPC error with data
func NewErrorWithData(code int, message string, data interface{}) *Error {
	e := &Error{
		Code:    code,
		Message: message,
	}
	if data != nil {
		if rawData, err := jsoncodec.Marshal(data); err == nil {
			e.Data = rawData
		}
	}
	return e
}

// Notification is a message without an ID pushed by the native host
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// NativeEventParams are the params of a native_event notification
type NativeEventParams struct {
	EventName string          `json:"eventName"`
	Body      json.RawMessage `json:"body"`
}

// NewNotification creates a notification with marshaled params
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := jsoncodec.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Bytes returns the notification as JSON bytes
func (n *Notification) Bytes() ([]byte, error) {
	return jsoncodec.Marshal(n)
}

// ModuleDescription describes one native module exposed by the host
type ModuleDescription struct {
	Name      string                 `json:"name"`
	Constants map[string]interface{} `json:"constants,omitempty"`
}

// DescribeResult is the result of the describe call
type DescribeResult struct {
	Modules []ModuleDescription `json:"modules"`
}

// CallMethod builds the wire method name for a native module method
func CallMethod(module, method string) string {
	return module + "." + method
}
