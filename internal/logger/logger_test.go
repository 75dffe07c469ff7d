package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLoggerDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		LogInfo("nothing listens", map[string]interface{}{"k": 1})
		LogError("nothing listens", errors.New("boom"), nil)
	})
}

func TestLogHelpersCarryFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })

	LogInfo("opened image", map[string]interface{}{"path": "nand.bin"})
	LogError("read failed", errors.New("eio"), map[string]interface{}{"offset": 0x4000})
	WithFields(map[string]interface{}{"partition": "SYSTEM"}).Debug("decrypting")

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, "opened image", entries[0].Message)
	assert.Equal(t, "nand.bin", entries[0].ContextMap()["path"])

	assert.Equal(t, "eio", entries[1].ContextMap()["error"])
	assert.EqualValues(t, 0x4000, entries[1].ContextMap()["offset"])

	assert.Equal(t, "SYSTEM", entries[2].ContextMap()["partition"])
}

func TestInitLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, InitLogger(LoggerConfig{LogFormat: "json", Quiet: true}))
	assert.False(t, Logger.Desugar().Core().Enabled(zap.InfoLevel))
	assert.True(t, Logger.Desugar().Core().Enabled(zap.WarnLevel))

	require.NoError(t, InitLogger(LoggerConfig{LogFormat: "human", Debug: true}))
	assert.True(t, Logger.Desugar().Core().Enabled(zap.DebugLevel))
}
