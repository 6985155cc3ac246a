package logging

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: level, Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestZapAdapter(t *testing.T) {
	t.Run("levels and fields", func(t *testing.T) {
		logger, buf := newBufferLogger(t, DebugLevel)

		logger.Debug("debug message", Field{"key", "value"})
		logger.Info("info message", Int("count", 42))
		logger.Warn("warn message", Field{"enabled", true})
		logger.Error("error message", errors.New("boom"), String("step", "calculate"))

		out := buf.String()
		for _, s := range []string{"DEBUG", "debug message", "value", "INFO", "42", "WARN", "true", "ERROR", "boom", "calculate"} {
			assert.Contains(t, out, s)
		}
	})

	t.Run("filters below level", func(t *testing.T) {
		logger, buf := newBufferLogger(t, WarnLevel)

		logger.Debug("hidden debug")
		logger.Info("hidden info")
		logger.Warn("shown warn")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown warn")
	})

	t.Run("with fields", func(t *testing.T) {
		logger, buf := newBufferLogger(t, InfoLevel)

		logger.WithFields(Field{"component", "saga"}).Info("step done", Duration("elapsed", 1500*time.Millisecond))

		out := buf.String()
		assert.Contains(t, out, "saga")
		assert.Contains(t, out, "step done")
		assert.Same(t, logger, logger.WithFields())
	})

	t.Run("with context masks taxpayer", func(t *testing.T) {
		logger, buf := newBufferLogger(t, InfoLevel)

		ctx := ContextWithSagaID(context.Background(), "ck123")
		ctx = ContextWithTaxpayer(ctx, "QQ123456C")
		ctx = ContextWithRequestID(ctx, "req-9")
		logger.WithContext(ctx).Info("resuming")

		out := buf.String()
		assert.Contains(t, out, "ck123")
		assert.Contains(t, out, "QQ****56C")
		assert.NotContains(t, out, "QQ123456C")
		assert.Contains(t, out, "req-9")
	})

	t.Run("context without values returns same logger", func(t *testing.T) {
		logger, _ := newBufferLogger(t, InfoLevel)
		assert.Same(t, logger, logger.WithContext(context.Background()))
	})

	t.Run("named logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf, Name: "orchestrator"})
		require.NoError(t, err)
		logger.Info("hello")
		assert.Contains(t, buf.String(), "orchestrator")
	})
}

func TestMaskNINO(t *testing.T) {
	assert.Equal(t, "QQ****56C", MaskNINO("QQ123456C"))
	assert.Equal(t, "***", MaskNINO("abc"))
	assert.Equal(t, "", MaskNINO(""))
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	logger, buf := newBufferLogger(t, DebugLevel)
	SetGlobalLogger(logger)
	assert.Equal(t, logger, GetGlobalLogger())

	Debug("debug from global")
	Info("info from global")
	Warn("warn from global")
	Error("error from global", errors.New("global error"))
	WithFields(String("k", "v")).Info("fields from global")

	out := buf.String()
	assert.Contains(t, out, "debug from global")
	assert.Contains(t, out, "info from global")
	assert.Contains(t, out, "warn from global")
	assert.Contains(t, out, "global error")
	assert.Contains(t, out, "fields from global")
}

func TestGlobalLogger_Concurrency(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	logger, _ := newBufferLogger(t, InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if id%2 == 0 {
				SetGlobalLogger(logger)
			} else {
				assert.NotNil(t, GetGlobalLogger())
			}
		}(i)
	}
	wg.Wait()
}
