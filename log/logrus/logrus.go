package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/synccache"
	synclog "github.com/unkn0wn-root/synccache/log"
)

var _ synccache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every record with component=synccache.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", synclog.Component)}
}

func (l LogrusLogger) Debug(msg string, f synccache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f synccache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f synccache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f synccache.Fields) { l.with(f).Error(msg) }

func (l LogrusLogger) with(f synccache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	// "err" goes to logrus' own error key
	if err, ok := f["err"].(error); ok {
		rest := make(logrus.Fields, len(f)-1)
		for k, v := range f {
			if k != "err" {
				rest[k] = v
			}
		}
		return l.E.WithError(err).WithFields(rest)
	}
	return l.E.WithFields(logrus.Fields(f))
}
