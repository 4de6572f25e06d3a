// Package tlog provides the leveled loggers used throughout sealfs.
// Call sites use package-level loggers (tlog.Debug.Printf and friends)
// rather than threading a logger through every constructor; underneath,
// output goes through logrus so fields and formatting stay structured.
package tlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin *log.Logger-compatible wrapper around a logrus entry,
// so call sites can keep writing tlog.Debug.Printf(...) / .Println(...).
type Logger struct {
	entry *logrus.Entry
	level logrus.Level
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.entry.Logf(l.level, format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	l.entry.Log(l.level, args...)
}

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the minimum level that is actually emitted.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

var (
	// Debug logs are only interesting when diagnosing the crypto or
	// storage layer; disabled by default.
	Debug = &Logger{entry: logrus.NewEntry(base), level: logrus.DebugLevel}
	// Info logs user-visible but non-actionable events (mount ready, etc).
	Info = &Logger{entry: logrus.NewEntry(base), level: logrus.InfoLevel}
	// Warn logs recoverable anomalies (corrupt block, failed cleanup,
	// rejected control-socket peer).
	Warn = &Logger{entry: logrus.NewEntry(base), level: logrus.WarnLevel}
	// Fatal logs a message and the process is expected to exit; tlog
	// itself never calls os.Exit so callers stay in control of shutdown.
	Fatal = &Logger{entry: logrus.NewEntry(base), level: logrus.ErrorLevel}
)
