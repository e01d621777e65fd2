package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-cellular-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel 測試日誌級別解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, logger.ParseLevel(tt.input))
		})
	}
}

// TestContextHandler 測試上下文欄位被寫入日誌
func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "debug", "json", false).With("component", "test")

	ctx := logger.WithSessionID(context.Background(), "sess-1")
	ctx = logger.WithPlayerID(ctx, 7)
	ctx = logger.WithRoomID(ctx, 42)
	log.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "sess-1", record["session_id"])
	assert.Equal(t, float64(7), record["player_id"])
	assert.Equal(t, float64(42), record["room_id"])
	assert.Equal(t, "test", record["component"])
}

// TestLevelFiltering 測試級別過濾
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "warn", "text", false)

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
