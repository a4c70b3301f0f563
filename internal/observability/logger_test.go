package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_RedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "info", Format: "json", Output: &buf}, NewRedactor())

	logger.Info("provider call failed",
		"provider", "openai",
		"error", "401 invalid api key sk-abcdefghijklmnopqrstuvwxyz123456",
	)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "provider call failed", record["msg"])
	assert.Equal(t, "openai", record["provider"])
	assert.NotContains(t, record["error"], "sk-abcdef")
	assert.Contains(t, record["error"], "[REDACTED_OPENAI_KEY]")
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "warn", Format: "text", Output: &buf}, nil)

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "text", Output: &buf}, nil)
	logger.Debug("visible")
	assert.True(t, strings.Contains(buf.String(), "visible"))
}

func TestRequestIDPropagation(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))

	id := NewRequestID()
	assert.NotEmpty(t, id)

	ctx := ContextWithRequestID(context.Background(), id)
	assert.Equal(t, id, RequestIDFromContext(ctx))
}
