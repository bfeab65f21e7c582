package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestLogger(t *testing.T) {
	t.Run("BasicLogging", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "TEST", FlagLevel|FlagPrefix)

		logger.Info("Hello %s", "World")

		output := buf.String()
		if !strings.Contains(output, "[INFO]") {
			t.Error("Missing log level")
		}
		if !strings.Contains(output, "[TEST]") {
			t.Error("Missing prefix")
		}
		if !strings.Contains(output, "Hello World") {
			t.Error("Missing message")
		}
	})

	t.Run("LogLevels", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "", FlagLevel)
		logger.SetLevel(LogLevelWarn)

		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message")
		logger.Error("error message")

		output := buf.String()
		if strings.Contains(output, "debug message") {
			t.Error("Debug message should not be logged")
		}
		if strings.Contains(output, "info message") {
			t.Error("Info message should not be logged")
		}
		if !strings.Contains(output, "warn message") {
			t.Error("Warn message should be logged")
		}
		if !strings.Contains(output, "error message") {
			t.Error("Error message should be logged")
		}
	})

	t.Run("Off", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "", DefaultFlags)
		logger.SetLevel(LogLevelOff)

		logger.Error("should not appear")

		if buf.Len() > 0 {
			t.Error("Logger at LogLevelOff should not write")
		}
		if Discard().Enabled(LogLevelError) {
			t.Error("Discard logger should not be enabled")
		}
	})

	t.Run("FileInfo", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "", FlagShortFile|FlagLevel)

		logger.Info("test")

		output := buf.String()
		if !strings.Contains(output, "logger_test.go:") {
			t.Errorf("Missing caller file info in output: %s", output)
		}
	})

	t.Run("With", func(t *testing.T) {
		var buf bytes.Buffer
		root := New(&buf, "aushell", FlagPrefix)
		child := root.With("stream")

		child.Info("started")
		root.SetLevel(LogLevelError)
		child.Info("hidden")

		output := buf.String()
		if !strings.Contains(output, "[aushell.stream] started") {
			t.Errorf("Expected nested prefix, got %q", output)
		}
		if strings.Contains(output, "hidden") {
			t.Error("Child should share the parent's level")
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", LogLevelTrace},
		{"DEBUG", LogLevelDebug},
		{"", LogLevelInfo},
		{"warning", LogLevelWarn},
		{" error ", LogLevelError},
		{"off", LogLevelOff},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LogLevelTrace, "TRACE"},
		{LogLevelDebug, "DEBUG"},
		{LogLevelInfo, "INFO"},
		{LogLevelWarn, "WARN"},
		{LogLevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "pubsub", FlagLevel|FlagPrefix)
	logger.SetLevel(LogLevelDebug)

	var adapter watermill.LoggerAdapter = logger.Watermill()
	adapter = adapter.With(watermill.LogFields{"topic": "aushell.status"})

	adapter.Info("subscribed", watermill.LogFields{"subscriber": 1})
	adapter.Error("publish failed", errors.New("closed"), nil)
	adapter.Trace("message sent", nil)

	output := buf.String()
	if !strings.Contains(output, "[INFO] [pubsub] subscribed subscriber=1 topic=aushell.status") {
		t.Errorf("Expected sorted fields after the message, got %q", output)
	}
	if !strings.Contains(output, "err=closed") {
		t.Errorf("Expected error field, got %q", output)
	}
	if strings.Contains(output, "message sent") {
		t.Error("Trace should be below the debug level")
	}
}

func BenchmarkLogger(b *testing.B) {
	logger := New(bytes.NewBuffer(nil), "BENCH", DefaultFlags)

	b.Run("Enabled", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			logger.Info("Benchmark message %d", i)
		}
	})

	b.Run("BelowLevel", func(b *testing.B) {
		logger.SetLevel(LogLevelError)
		for i := 0; i < b.N; i++ {
			logger.Info("Benchmark message %d", i)
		}
	})
}
