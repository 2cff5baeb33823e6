package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig("liveness=debug, priority=warn,error", "json", "true")

	assert.Equal(t, slog.LevelError, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LevelFor("liveness"))
	assert.Equal(t, slog.LevelWarn, cfg.LevelFor("priority"))
	assert.Equal(t, slog.LevelError, cfg.LevelFor("identity"))
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestParseConfig_Invalid(t *testing.T) {
	cfg := ParseConfig("liveness=loud,nonsense", "", "")

	assert.Equal(t, slog.LevelInfo, cfg.DefaultLevel)
	_, ok := cfg.SubsystemLevels["liveness"]
	assert.False(t, ok)
	assert.Equal(t, FormatText, cfg.Format)
}

func TestSetOutput_ExistingLogger(t *testing.T) {
	resetConfig()
	l := Logger("logger-test")

	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(&bytes.Buffer{})

	l.Info("切换之后", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "切换之后")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "subsystem=logger-test")
}

func TestSetLevel(t *testing.T) {
	l := Logger("logger-level")
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(&bytes.Buffer{})

	SetLevel("logger-level", slog.LevelError)
	l.Info("不应输出")
	assert.Empty(t, buf.String())

	SetLevel("logger-level", slog.LevelDebug)
	l.Debug("应当输出")
	assert.Contains(t, buf.String(), "应当输出")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
