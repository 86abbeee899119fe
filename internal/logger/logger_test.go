package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "shown 2")
	assert.False(t, Enabled(slog.LevelInfo))
	assert.True(t, Enabled(slog.LevelError))
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })

	Infof("[backtest] bar %d", 7)
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &payload))
	assert.Equal(t, "[backtest] bar 7", payload["msg"])
	assert.Equal(t, "backtest", payload["component"])
}

func TestInfoBlockSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("text")
	InfoBlock("a\nb\n")
	assert.Equal(t, 2, strings.Count(buf.String(), "level=INFO"))
}
