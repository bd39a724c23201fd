package types

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging capability every component in the core is handed.
// Implementations can be swapped out (the default wraps logrus) without
// touching call sites, following the same shape as the teacher's
// definition.Logger.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

// LogrusLogger is the default Logger, backed by a structured logrus
// logger. The level is controlled by the PEILLUTE_LOG environment
// variable, following the same error|warn|info|debug|trace vocabulary
// spec section 6 borrows from RUST_LOG.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogger builds the default Logger for a given site, reading the level
// from PEILLUTE_LOG (defaulting to info when unset or unrecognized).
func NewLogger(siteID string) *LogrusLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(levelFromEnv(os.Getenv("PEILLUTE_LOG")))
	return &LogrusLogger{entry: base.WithField("site", siteID)}
}

func levelFromEnv(raw string) logrus.Level {
	switch raw {
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	case "trace":
		return logrus.TraceLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *LogrusLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                { l.entry.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

// NopLogger discards everything. Useful for tests that don't want to
// assert on log output.
type NopLogger struct{}

func (NopLogger) Info(v ...interface{})                  {}
func (NopLogger) Infof(format string, v ...interface{})  {}
func (NopLogger) Warn(v ...interface{})                  {}
func (NopLogger) Warnf(format string, v ...interface{})  {}
func (NopLogger) Error(v ...interface{})                 {}
func (NopLogger) Errorf(format string, v ...interface{}) {}
func (NopLogger) Debug(v ...interface{})                 {}
func (NopLogger) Debugf(format string, v ...interface{}) {}
func (NopLogger) Fatal(v ...interface{})                 {}
func (NopLogger) Fatalf(format string, v ...interface{}) {}
