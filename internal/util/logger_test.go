package util

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "device", "abc")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "device=abc")

	buf.Reset()
	InitLoggerTo(&buf, true)
	GetLogger().Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestInitLoggerJSON(t *testing.T) {
	t.Setenv("SCREENSTREAM_LOG_FORMAT", "json")
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer InitLoggerTo(&bytes.Buffer{}, false)

	GetLogger().Info("hello", "n", 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
}
