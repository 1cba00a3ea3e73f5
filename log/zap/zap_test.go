package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/synccache"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Warn("fetch failed", synccache.Fields{"key": "app/tasks", "err": errors.New("boom")})
	l.Debug("quiet", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "fetch failed" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	ctx := e.ContextMap()
	if ctx["component"] != "synccache" || ctx["key"] != "app/tasks" || ctx["err"] != "boom" {
		t.Fatalf("fields = %v", ctx)
	}
}
