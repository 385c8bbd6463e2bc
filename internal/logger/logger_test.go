package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer

	log := FromZerolog(zerolog.New(&buf)).WithComponent("engine").WithField("device", "D1")
	log.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "D1", entry["device"])
	assert.Equal(t, "hello", entry["message"])
}

func TestTestLoggerDiscards(t *testing.T) {
	log := NewTestLogger()
	// must not panic even with chained fields
	log.Error().Str("k", "v").Msg("ignored")
	log.WithComponent("x").Warn().Msg("ignored")
}
