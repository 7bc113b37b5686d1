package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StampsServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Service: "tradecore", Writer: &buf})

	log.Info().Msg("ready")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tradecore", line["service"])
	assert.Equal(t, "ready", line["message"])
}

func TestNew_LevelIsPerLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Writer: &buf})

	log.Info().Msg("suppressed")
	assert.Empty(t, buf.Bytes())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "verbose", Writer: &buf})

	log.Debug().Msg("suppressed")
	assert.Empty(t, buf.Bytes())

	log.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
