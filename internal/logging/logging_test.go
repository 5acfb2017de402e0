package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_TagsService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "payment-core", "debug")
	log.Debug("order_created", "order_id", "ord-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "payment-core", line["service"])
	assert.Equal(t, "order_created", line["msg"])
	assert.Equal(t, "ord-1", line["order_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
