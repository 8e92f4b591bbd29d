package logging

import (
	pionlog "github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// PionFactory adapts a logrus logger to pion's LoggerFactory so the media
// engine's ICE/DTLS logs land in the same sink with a scope field.
type PionFactory struct {
	Logger logrus.FieldLogger
}

var _ pionlog.LoggerFactory = (*PionFactory)(nil)

func (f *PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{entry: OrDefault(f.Logger).WithField("scope", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

// pion's trace output is very chatty; it goes to debug.
func (l *pionLogger) Trace(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
