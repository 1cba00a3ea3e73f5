package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/log"
)

var _ synccache.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

// New tags every record with component=synccache.
func New(l zerolog.Logger) Logger {
	return Logger{L: l.With().Str("component", log.Component).Logger()}
}

func (z Logger) Debug(msg string, f synccache.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f synccache.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f synccache.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f synccache.Fields) { emit(z.L.Error(), msg, f) }

func emit(ev *zerolog.Event, msg string, f synccache.Fields) {
	// nil when the level is disabled
	if ev == nil {
		return
	}
	for _, k := range log.SortedKeys(f) {
		if err, ok := f[k].(error); ok {
			ev = ev.AnErr(k, err)
			continue
		}
		ev = ev.Interface(k, f[k])
	}
	ev.Msg(msg)
}
