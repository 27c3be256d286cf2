package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("master", "WARN", &buf)

	lg.Debug("debug %d", 1)
	lg.Info("info %d", 2)
	lg.Warn("warn %d", 3)
	lg.Error("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Fatalf("messages below WARN leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] [master] ") || !strings.Contains(out, "warn 3") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "error 4") {
		t.Fatalf("missing error line: %q", out)
	}
	if !strings.Contains(out, "log_test.go") {
		t.Fatalf("expected caller file in output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG,
		"INFO":  INFO,
		"Warn":  WARN,
		"ERROR": ERROR,
		"bogus": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithContext(t *testing.T) {
	lg := Discard()
	got := lg.WithContext(map[string]interface{}{"worker_id": 2, "op": "map"})
	if got != "op=map worker_id=2" {
		t.Fatalf("unexpected context string %q", got)
	}
}
