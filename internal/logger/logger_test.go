package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, GetLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, GetLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, GetLevel("unknown"))
}

func TestMaskSensitiveInfo(t *testing.T) {
	assert.Equal(t, "****", MaskSensitiveInfo("short", APIKey))
	assert.Equal(t, "pf-s**********1234", MaskSensitiveInfo("pf-secret-key-1234", APIKey))
	assert.Equal(t, "", MaskSensitiveInfo("", Token))
	// Non-sensitive kinds pass through.
	assert.Equal(t, "plain", MaskSensitiveInfo("plain", "other"))
}

func TestMaskedLoggerRedactsSensitiveFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewMaskedLogger(zap.New(core))

	log.Info("provider configured",
		zap.String("api_key", "pf-secret-key-1234"),
		zap.String("model", "sdxl"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pf-s**********1234", fields["api_key"])
	assert.Equal(t, "sdxl", fields["model"])
}
