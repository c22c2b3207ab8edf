package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/flowstate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"no outputs", func(c *Config) { c.Stdout = false }, "output"},
		{"otel only", func(c *Config) { c.Stdout = false; c.OTEL = true }, ""},
		{"negative burst", func(c *Config) { c.Burst = -1 }, "sampling"},
		{"sampling off", func(c *Config) { c.Burst = 0 }, ""},
		{"bad pattern", func(c *Config) { c.RedactPatterns = []string{"("} }, "invalid redaction pattern"},
		{"long pattern", func(c *Config) { c.RedactPatterns = []string{strings.Repeat("a", maxPatternLen+1)} }, "longer than"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }, "value are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithWorkerID(ctx, "worker-a")

	logger := NewTestLogger()
	logger.Info(ctx, "stage executed", zap.String("stage", "ingesting"))

	logger.AssertLogged(t, zapcore.InfoLevel, "stage executed")
	logger.AssertField(t, "stage executed", "session.id", "sess-1")
	logger.AssertField(t, "stage executed", "request.id", "req-1")
	logger.AssertField(t, "stage executed", "worker.id", "worker-a")
	logger.AssertField(t, "stage executed", "stage", "ingesting")
}

func TestWithSessionID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		WithSessionID(context.Background(), "bad id")
	})
}

func TestFromContext_Fallback(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "discarded")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "kept")
	tl.AssertLogged(t, zapcore.WarnLevel, "kept")
}

func TestTraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "raw payload")
	tl.AssertLogged(t, TraceLevel, "raw payload")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), NewDefaultConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	z := zap.New(core)

	z.Info("classifier configured",
		zap.String("api_key", "sk-live-123"),
		zap.String("header", "Bearer abc.def"),
		zap.String("model", "gpt-4o-mini"),
		Secret("token", config.Secret("supersecret")),
	)
	require.NoError(t, z.Sync())

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "gpt-4o-mini")
	assert.True(t, strings.Contains(out, "[REDACTED"))
}

func TestNewLogger_SamplingKeepsErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Burst = 1
	cfg.Every = 0

	core, err := buildCore(cfg, nil)
	require.NoError(t, err)

	assert.True(t, core.Enabled(zapcore.ErrorLevel))
	assert.True(t, core.Enabled(zapcore.InfoLevel))
	assert.False(t, core.Enabled(zapcore.DebugLevel))
}
