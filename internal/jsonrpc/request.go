package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"nativebridge/internal/jsoncodec"
)

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// Validate checks if the request is valid
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version: %s", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// IsNotification returns true if this is a notification (no ID)
func (r *Request) IsNotification() bool {
	return r.ID.IsNull()
}

// ParseRequest parses a single JSON-RPC request from bytes
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := jsoncodec.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return &req, nil
}

// NewRequest creates a new JSON-RPC request
func NewRequest(method string, params interface{}, id ID) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
	}

	if params != nil {
		paramsBytes, err := jsoncodec.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsBytes
	}

	return req, nil
}

// Bytes returns the request as JSON bytes
func (r *Request) Bytes() ([]byte, error) {
	return jsoncodec.Marshal(r)
}

// SplitMethod splits a module call method into module and method names
func (r *Request) SplitMethod() (module, method string, ok bool) {
	i := strings.LastIndexByte(r.Method, '.')
	if i <= 0 || i == len(r.Method)-1 {
		return "", "", false
	}
	return r.Method[:i], r.Method[i+1:], true
}

// Args decodes positional params
func (r *Request) Args() ([]json.RawMessage, error) {
	if len(r.Params) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := jsoncodec.Unmarshal(r.Params, &args); err != nil {
		return nil, fmt.Errorf("invalid params format: %w", err)
	}
	return args, nil
}
