// Package logger defines the debug-hook interface the rest of the module logs
// through, kept deliberately small so callers can plug in whatever logging
// backend they already run.
package logger

import (
	"github.com/sirupsen/logrus"
)

// DebugLogger is the hook surface the node logs through. Implementations are
// expected to be safe for concurrent use, since the transport, routing table
// and query handler all log from their own goroutines.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards everything. Useful as a default in tests that don't
// care about log output.
type NullLogger struct{}

func (NullLogger) Debugf(format string, args ...interface{}) {}
func (NullLogger) Infof(format string, args ...interface{})  {}
func (NullLogger) Errorf(format string, args ...interface{}) {}

// Logrus adapts a *logrus.Entry to DebugLogger, giving structured fields
// instead of the teacher's bare log.Printf.
type Logrus struct {
	*logrus.Entry
}

// NewLogrus builds a Logrus-backed DebugLogger with the given static fields
// (e.g. the node's own id) attached to every line.
func NewLogrus(fields logrus.Fields) *Logrus {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logrus{Entry: l.WithFields(fields)}
}

func (l *Logrus) Debugf(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}

func (l *Logrus) Infof(format string, args ...interface{}) {
	l.Entry.Infof(format, args...)
}

func (l *Logrus) Errorf(format string, args ...interface{}) {
	l.Entry.Errorf(format, args...)
}
