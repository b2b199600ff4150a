package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "custom output",
			config: &Config{
				Level:  LevelDebug,
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "with prefix",
			config: &Config{
				Level:  LevelInfo,
				Output: &bytes.Buffer{},
				Prefix: "aio ",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Errorf("Debug emitted below level threshold: %s", output)
	}
	if strings.Contains(output, "info message") {
		t.Errorf("Info emitted below level threshold: %s", output)
	}
	if !strings.Contains(output, "warn message") {
		t.Errorf("Expected warn message in output, got: %s", output)
	}
	if !strings.Contains(output, "error message") {
		t.Errorf("Expected error message in output, got: %s", output)
	}
}

func TestLoggerKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("registered", "fd", 7, "interest", "read")

	output := buf.String()
	if !strings.Contains(output, "fd=7") {
		t.Errorf("Expected fd=7 in output, got: %s", output)
	}
	if !strings.Contains(output, "interest=read") {
		t.Errorf("Expected interest=read in output, got: %s", output)
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelError, Output: &buf})

	logger.Info("dropped")
	logger.SetLevel(LevelDebug)
	logger.Debugf("fd=%d armed", 3)

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Errorf("Info emitted at error level: %s", output)
	}
	if !strings.Contains(output, "fd=3 armed") {
		t.Errorf("Expected debug output after SetLevel, got: %s", output)
	}
}

func TestDefaultLogger(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelInfo, Output: &buf}))

	Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("Expected default logger output, got: %s", buf.String())
	}
}
