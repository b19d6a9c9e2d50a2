package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"development", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"production", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestGet_BeforeInit(t *testing.T) {
	mu.Lock()
	globalLogger = nil
	mu.Unlock()

	l := Get()
	require.NotNil(t, l)
	l.Info("dropped") // no-op logger must not panic
}

func TestInit_AttachesServiceName(t *testing.T) {
	require.NoError(t, Init(&Config{Level: "info", ServiceName: "seat-gateway"}))
	assert.NotNil(t, Get().Logger)
	Sync()
}

func TestWith(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))

	Get().With(zap.String("worker_id", "w-1")).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, "w-1", entries[0].ContextMap()["worker_id"])
}
