package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":       zapcore.InfoLevel,
		"debug":  zapcore.DebugLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewHonoursLevelAndVerbose(t *testing.T) {
	logger, err := New(Config{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(Config{Level: "warn", Format: FormatConsole, Verbose: true})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}
