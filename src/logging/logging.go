// Package logging configures the house logging backend used by every
// package in this module. Individual packages still construct their own
// logger via logging.MustGetLogger("<pkg>") so messages are tagged by
// origin; this package only owns the shared backend/format and level.
package logging

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// MustGetLogger returns a named logger. It's a thin re-export so packages
// don't need to import gopkg.in/op/go-logging.v1 directly.
func MustGetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

// Level is a re-export of the underlying library's level type.
type Level = logging.Level

// Re-exports of the levels we use; callers should not need the
// underlying package for anything else.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s}: %{color:reset}%{message}`,
)

// Init sets up the backend and verbosity for all loggers in the process.
// It should be called once, early in main().
func Init(verbosity Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(verbosity, "")
	logging.SetBackend(leveled)
}
