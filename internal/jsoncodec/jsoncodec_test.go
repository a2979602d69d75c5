package jsoncodec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	EventName string          `json:"eventName"`
	Body      json.RawMessage `json:"body"`
}

func TestMarshalKeepsRawMessage(t *testing.T) {
	in := envelope{EventName: "database_sync_event", Body: json.RawMessage(`{"a":1}`)}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventName":"database_sync_event","body":{"a":1}}`, string(data))

	var out envelope
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.EventName, out.EventName)
	assert.JSONEq(t, `{"a":1}`, string(out.Body))
}

func TestEncodeDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, map[string]int{"n": 3}))

	var out map[string]int
	require.NoError(t, Decode(buf, &out))
	assert.Equal(t, 3, out["n"])
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"ok":true}`)))
	assert.False(t, Valid([]byte(`{"ok":`)))
}
