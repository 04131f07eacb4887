package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestModuleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	m := l.Module("Queue")

	m.Info("hidden %d", 1)
	m.Warn("frame size changed to %dx%d", 640, 480)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message leaked at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Queue] frame size changed to 640x480") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Main", "boom")
	if buf.Len() != 0 {
		t.Fatalf("SILENT logger wrote %q", buf.String())
	}
}

func TestGlobalInitRedirects(t *testing.T) {
	var buf bytes.Buffer
	Init(DEBUG, &buf, false)
	defer Init(INFO, nil, false)

	For("Worker").Debug("took frame #%d", 3)
	if !strings.Contains(buf.String(), "[DEBUG] [Worker] took frame #3") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"debug": DEBUG, "INFO": INFO, "warning": WARN, "error": ERROR, "none": SILENT,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevelText(t *testing.T) {
	var l LogLevel
	if err := l.UnmarshalText([]byte("warn")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	text, _ := l.MarshalText()
	if string(text) != "WARN" {
		t.Fatalf("MarshalText = %q", text)
	}
}
