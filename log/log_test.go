package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestModuleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelDebug).Module("corpus")
	l.Info("admitted", "id", 7)

	out := buf.String()
	if !strings.Contains(out, "module=corpus") {
		t.Errorf("missing module attribute: %s", out)
	}
	if !strings.Contains(out, "id=7") {
		t.Errorf("missing kv attribute: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelWarn)
	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level entries leaked: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestVerbosityToLevel(t *testing.T) {
	cases := []struct {
		v    int
		want slog.Level
	}{
		{0, slog.LevelError},
		{1, slog.LevelWarn},
		{3, slog.LevelInfo},
		{5, slog.LevelDebug},
	}
	for _, c := range cases {
		if got := VerbosityToLevel(c.v); got != c.want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", c.v, got, c.want)
		}
	}
}
