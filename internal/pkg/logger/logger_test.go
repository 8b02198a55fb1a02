package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	Initialize()

	// output goes to stderr; these only verify nothing panics
	t.Run("Info", func(t *testing.T) {
		Info("Test info message", "component", "test")
		InfoContext(ctx, "Test info message", "key", "value", "number", 42)
	})

	t.Run("Warn", func(t *testing.T) {
		Warn("Test warning message", "component", "test")
		WarnContext(ctx, "Test warning message", "component", "test")
	})

	t.Run("Error", func(t *testing.T) {
		Error("Test error message", "error", "sample error")
		ErrorContext(ctx, "Test error message", "error", "sample error")
	})

	t.Run("Debug", func(t *testing.T) {
		Debug("Test debug message", "debug", true)
		DebugContext(ctx, "Test debug message", "debug", true)
	})
}

func TestConfigure_JSON(t *testing.T) {
	t.Cleanup(func() { Configure(DefaultOptions()) })

	var buf bytes.Buffer
	Configure(Options{Level: slog.LevelDebug, Format: "json", Output: &buf})

	With("session", "abc").Debug("context reset", "frame", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "context reset", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
	assert.Equal(t, float64(7), entry["frame"])
}

func TestConfigure_TextLevelFiltering(t *testing.T) {
	t.Cleanup(func() { Configure(DefaultOptions()) })

	var buf bytes.Buffer
	Configure(Options{Level: slog.LevelWarn, Format: "text", Output: &buf})

	Info("dropped")
	Warn("kept", "tap", "dns")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "msg=kept")
	assert.Contains(t, out, "tap=dns")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet_SameInstance(t *testing.T) {
	assert.NotNil(t, Get())
	assert.Same(t, Get(), Get())
}

func TestWithGroup(t *testing.T) {
	t.Cleanup(func() { Configure(DefaultOptions()) })

	var buf bytes.Buffer
	Configure(Options{Level: slog.LevelInfo, Format: "json", Output: &buf})

	WithGroup("tap").Info("listener registered", "name", "dns")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	group, ok := entry["tap"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dns", group["name"])
}
