// Package applog is a thin façade over logrus that keeps the familiar
// Debug/Info/Warn/Error/Success/Fatal level API and Banner/Section
// headers, while giving every endpoint a structured, leveled logger
// instead of writing straight to stdout.
package applog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Entry. The zero value is not usable; use New or
// Default. A nil *Logger is valid and silences all output, matching a
// library that must not force logging on its host.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing colored text to stderr at level.
func New(level logrus.Level) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return &Logger{entry: logrus.NewEntry(base)}
}

// Default builds an info-level Logger, the level most demos run at.
func Default() *Logger {
	return New(logrus.InfoLevel)
}

// With returns a child Logger carrying fields in every subsequent
// message, mirroring logrus.Entry.WithFields; used to scope a logger to
// one peer id, run id, or component.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Errorf(format, args...)
}

// Success logs at info level tagged with a "result=success" field, since
// logrus has no dedicated success level.
func (l *Logger) Success(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithField("result", "success").Infof(format, args...)
}

func (l *Logger) Fatal(format string, args ...interface{}) {
	if l == nil {
		os.Exit(1)
	}
	l.entry.Fatalf(format, args...)
}

// Section logs a banner-style group header at info level.
func (l *Logger) Section(title string) {
	if l == nil {
		return
	}
	l.entry.WithField("section", title).Info(title)
}

// Banner logs the startup banner as a single structured line; run id and
// version are carried as fields rather than ASCII art so they survive log
// aggregation.
func (l *Logger) Banner(title, version, runID string) {
	if l == nil {
		return
	}
	l.entry.WithFields(map[string]interface{}{
		"version": version,
		"run_id":  runID,
	}).Info(title)
}

func (l *Logger) String() string {
	if l == nil {
		return "<nil applog.Logger>"
	}
	return fmt.Sprintf("applog.Logger{level=%s}", l.entry.Logger.Level)
}
