// Package logging configures the process-wide structured logger used by
// every component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the server's logger. Output format and level follow the
// teacher's terse LstdFlags|Lshortfile philosophy, expressed in logrus's
// fields-first style instead of ad hoc Printf calls.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
