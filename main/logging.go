package main

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// configureLogging maps -v counts onto log levels: warnings only by default,
// milestones at -v, diagnostics at -vv and above.
func configureLogging(out io.Writer, verbosity int) {
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(levelFor(verbosity))
}

func levelFor(verbosity int) log.Level {
	switch {
	case verbosity <= 0:
		return log.WarnLevel
	case verbosity == 1:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
