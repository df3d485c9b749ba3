package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogger_BasicLevels(t *testing.T) {
	l := New("debug")
	if l == nil {
		t.Fatalf("logger nil")
	}
	l.Debug("dbg", "k", 1)
	l.Info("info")
	l.Warn("warn")
	l.Error("err")
	l.With("node", "n1").Info("scoped")
}

func TestLogger_Nop(t *testing.T) {
	l := NewNop()
	l.Info("dropped", "k", "v")
	l.With("a", 1).Warn("dropped")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	l := New("info").(*zapLogger)
	SetLevel(l, "error")
	if l.level.Level() != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %v", l.level.Level())
	}
	// other implementations are ignored
	SetLevel(nil, "debug")
}
