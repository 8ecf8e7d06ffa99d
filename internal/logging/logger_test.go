package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestContextFieldsPropagation(t *testing.T) {
	log := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithStrategy(ctx, "payments@1.0.0")
	ctx = WithDeployment(ctx, "dep-42")

	log.Info(ctx, "selection served")

	entries := log.FilterMessage("selection served").All()
	require.Len(t, entries, 1)

	fields := map[string]any{}
	for _, f := range entries[0].Context {
		fields[f.Key] = f.String
	}
	assert.Equal(t, "req-1", fields["request.id"])
	assert.Equal(t, "payments@1.0.0", fields["strategy"])
	assert.Equal(t, "dep-42", fields["deployment.id"])
}

func TestNewLoggerRejectsBadFormat(t *testing.T) {
	_, err := NewLogger(&Config{Level: zapcore.InfoLevel, Format: "xml"})
	assert.Error(t, err)
}

func TestNamedAndWith(t *testing.T) {
	log := NewTestLogger()
	child := log.Named("selector").With()
	child.Warn(context.Background(), "circuit opened")
	log.AssertLogged(t, zapcore.WarnLevel, "circuit opened")
}
