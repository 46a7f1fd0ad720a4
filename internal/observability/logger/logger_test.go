package logger

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFrom_FallsBackToSingleton(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Replace(zap.New(core))
	defer restore()

	From(context.Background()).Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
}

func TestL_AfterRestoreOfEmptySingleton(t *testing.T) {
	mu.Lock()
	saved := instance
	instance = nil
	mu.Unlock()
	defer func() {
		mu.Lock()
		instance = saved
		mu.Unlock()
	}()

	restore := Replace(zap.NewNop())
	restore()

	l := L()
	if l == nil {
		t.Fatal("L returned nil after restore")
	}
	l.Info("still logging")
	Named("auth").Info("named")
}

func TestFrom_UsesContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := ToContext(context.Background(), zap.New(core).With(Component("test")))

	From(ctx).Info("scoped")
	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["component"] != "test" {
		t.Fatalf("scoped logger not used: %+v", entries)
	}
}

func TestSensitiveFieldsAreMasked(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(core)
	sid := "3q2-7wEAAAAAAAAAAAAAAAAAAAAAAAAAA"
	l.Info("x", SessionID(sid), TokenID("0a1b2c3d-4e5f-6789-abcd-ef0123456789"))

	m := logs.All()[0].ContextMap()
	if got := m["session_id"].(string); strings.Contains(got, sid[8:]) {
		t.Fatalf("session id leaked: %q", got)
	}
	if got := m["jti"].(string); got != "0a1b2c…" {
		t.Fatalf("jti mask: %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARN") != zapcore.WarnLevel || parseLevel("") != zapcore.InfoLevel {
		t.Fatalf("parseLevel mismatch")
	}
}
