package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		level   string
		enabled zapcore.Level
		hidden  zapcore.Level
	}{
		{"debug dev", "dev", "debug", zapcore.DebugLevel, zapcore.InvalidLevel},
		{"warn prod", "prod", "warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"default info", "dev", "", zapcore.InfoLevel, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.env, tt.level)
			require.NoError(t, err)

			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.hidden != zapcore.InvalidLevel {
				assert.False(t, logger.Core().Enabled(tt.hidden))
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	logger := OrNop(nil)
	require.NotNil(t, logger)
	logger.Info("discarded")
}
