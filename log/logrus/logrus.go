// Package logrus adapts a logrus entry to polystore.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/polystore"
)

var _ polystore.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every record with component=polystore.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "polystore")}
}

func (l Logger) Debug(msg string, f polystore.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f polystore.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f polystore.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f polystore.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
