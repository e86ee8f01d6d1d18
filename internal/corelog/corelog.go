// Package corelog builds the process-wide structured logger. The teacher
// (internal/daemon/daemon.go) logged with ad hoc log.Printf("[daemon] ...")
// calls; this runtime instead follows inference-sim's choice of
// sirupsen/logrus and gives every package a component-scoped entry so log
// lines stay greppable under concurrent load.
package corelog

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the process-wide log level (used by --log-level / config).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// For returns a component-scoped log entry, e.g. corelog.For("worker").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
