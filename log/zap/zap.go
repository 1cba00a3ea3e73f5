package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/synccache"
	synclog "github.com/unkn0wn-root/synccache/log"
)

var _ synccache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New tags every record with component=synccache.
func New(l *zap.Logger) ZapLogger {
	return ZapLogger{L: l.With(zap.String("component", synclog.Component))}
}

func (z ZapLogger) Debug(msg string, f synccache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f synccache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f synccache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f synccache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f synccache.Fields) []zap.Field {
	keys := synclog.SortedKeys(f)
	if keys == nil {
		return nil
	}
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
