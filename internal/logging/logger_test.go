package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSetOutput(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Info("stake accepted", "account", "0xabc")

	output := buf.String()
	if !strings.Contains(output, "stake accepted") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, `"account"`) {
		t.Errorf("expected output to contain account key, got: %s", output)
	}
}

func TestSetOutputFiltersDebug(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Debug("should not appear")
	if buf.Len() > 0 {
		t.Error("Debug messages should not appear at Info level")
	}
}

func TestConfigure(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	tests := []struct {
		name    string
		format  string
		level   string
		logFunc func(string, ...any)
		want    bool
	}{
		{"json info", "json", "info", Info, true},
		{"json debug filtered", "json", "info", Debug, false},
		{"text debug", "text", "debug", Debug, true},
		{"error level drops warn", "text", "error", Warn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Configure(&buf, tt.format, tt.level)
			tt.logFunc("configured message")
			got := strings.Contains(buf.String(), "configured message")
			if got != tt.want {
				t.Errorf("output contains message = %v, want %v (output: %s)", got, tt.want, buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestErrAttr(t *testing.T) {
	attr := Err(errors.New("mint reverted"))
	if attr.Key != "error" || attr.Value.String() != "mint reverted" {
		t.Errorf("unexpected attr %v", attr)
	}

	if Err(nil).Value.String() != "" {
		t.Error("expected empty string for nil error")
	}
}

func TestAudit(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Audit(AuditEvent{
		Operation: AuditWithdraw,
		Actor:     "0x1111111111111111111111111111111111111111",
		Target:    "0x1111111111111111111111111111111111111111",
		Result:    "success",
		Details:   "returned=1 burned=3000",
	})

	output := buf.String()
	for _, want := range []string{`"audit":true`, `"operation":"withdraw"`, `"result":"success"`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output: %s", want, output)
		}
	}
}

func TestSetLevelAppliesInPlace(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	Configure(&buf, "text", "warn")
	Info("hidden")
	SetLevel("debug")
	Debug("visible")
	SetLevel("info")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("debug not logged after SetLevel: %s", out)
	}
}
