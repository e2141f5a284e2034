// Package logging builds the logrus logger shared by every component.
package logging

import (
	"github.com/sirupsen/logrus"
)

// New creates a logrus.Logger configured from a level string, defaulting to
// info on an unparseable level. Shared across commands since serve,
// reconcile-once, and reactive-worker all need the same setup.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}
