package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitJSONComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "debug", Format: FormatJSON, Output: &buf}))
	t.Cleanup(func() { _ = Init(Config{}) })

	logger := Component("bus")
	logger.Debug().Str("message_name", "door.open").Msg("publishing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "bus", entry["component"])
	require.Equal(t, "door.open", entry["message_name"])
	require.Equal(t, "debug", entry["level"])
}

func TestInitRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, Init(Config{Level: "loud", Output: &buf}))
	require.Error(t, Init(Config{Format: "xml", Output: &buf}))
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "warn", Format: FormatJSON, Output: &buf}))
	t.Cleanup(func() { _ = Init(Config{}) })

	logger := Component("test")
	logger.Info().Msg("hidden")
	require.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	require.NotZero(t, buf.Len())
}
