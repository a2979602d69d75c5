package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWatermillLogger_WritesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWatermillLogger(zerolog.New(buf).Level(zerolog.DebugLevel))

	logger.With(watermill.LogFields{"topic": "database_sync_event"}).
		Error("subscriber failed", errors.New("closed"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	assert.Contains(t, out, `"component":"watermill"`)
	assert.Contains(t, out, `"topic":"database_sync_event"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"error":"closed"`)
	assert.Contains(t, out, `"level":"error"`)
}

func TestWatermillLogger_InfoIsDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWatermillLogger(zerolog.New(buf).Level(zerolog.InfoLevel))

	logger.Info("subscribing", nil)
	assert.Empty(t, buf.String())
}
