package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLoggerLevels(t *testing.T) {
	for _, tc := range []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	} {
		logger := NewLogger(tc.level)
		assert.True(t, logger.Enabled(context.Background(), tc.want), tc.level)
		if tc.want > slog.LevelDebug {
			assert.False(t, logger.Enabled(context.Background(), tc.want-4), tc.level)
		}
	}
}
