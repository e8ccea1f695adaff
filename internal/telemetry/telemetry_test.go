package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		wantErr bool
		enabled zapcore.Level
	}{
		{"info", "json", false, zapcore.InfoLevel},
		{"DEBUG", "console", false, zapcore.DebugLevel},
		{"warn", "", false, zapcore.WarnLevel},
		{"loud", "json", true, 0},
		{"info", "xml", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger failed: %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("Expected %s enabled", tt.enabled)
			}
			if tt.enabled > zapcore.DebugLevel && logger.Core().Enabled(tt.enabled-1) {
				t.Errorf("Expected %s disabled", tt.enabled-1)
			}
		})
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "claimledger", "test")
	if err != nil {
		t.Fatalf("SetupTracing failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
