package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := toZapLevel(tt.in); got != tt.want {
				t.Errorf("toZapLevel(%q) = %v; want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNopNamed(t *testing.T) {
	l := Nop().Named("scheduler")
	// Must not panic.
	l.Infow("tick", "fired", 2)
}
