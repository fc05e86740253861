package log

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
	}{
		{"debug", LevelDebug},
		{"TRACE", LevelTrace},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"silent", LevelSilent},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.name); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	Init(&out, LevelWarn, true)
	defer Init(io.Discard, LevelInfo, true)

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("info line emitted at warn level: %q", got)
	}
	if !strings.Contains(got, "[WARN] shown 2") {
		t.Errorf("warn line missing: %q", got)
	}
}

func TestErrorfWrapsAndLogs(t *testing.T) {
	var out bytes.Buffer
	Init(&out, LevelError, true)
	defer Init(io.Discard, LevelInfo, true)

	sentinel := errors.New("boom")
	err := Errorf("opening source: %w", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if !strings.Contains(out.String(), "[ERROR] opening source: boom") {
		t.Errorf("error line missing: %q", out.String())
	}
}

func TestSilentSuppressesErrors(t *testing.T) {
	var out bytes.Buffer
	Init(&out, LevelSilent, true)
	defer Init(io.Discard, LevelInfo, true)

	_ = Errorf("nothing")
	if out.Len() != 0 {
		t.Errorf("silent level wrote %q", out.String())
	}
}

func TestAttachSink(t *testing.T) {
	var primary, extra bytes.Buffer
	Init(&primary, LevelInfo, true)
	defer Init(io.Discard, LevelInfo, true)

	AttachSink(&extra)
	Infof("fan out")

	if !strings.Contains(primary.String(), "fan out") || !strings.Contains(extra.String(), "fan out") {
		t.Errorf("line not fanned out: primary=%q extra=%q", primary.String(), extra.String())
	}
}
