// Package clog contains the singleton logger used across the engine.
// It deliberately has little else since it's a dependency everywhere.
package clog

import (
	"gopkg.in/op/go-logging.v1"
)

// Log is a shared logger named "forge", for code that has no module name
// of its own.
var Log = logging.MustGetLogger("forge")

// Level re-exports the underlying library type.
type Level = logging.Level

// Re-exports of the log levels we use.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// NewLogger returns a named sub-logger. Every package in this module holds
// one, named after the package, so its lines are tagged with a module name
// to ease triage.
func NewLogger(name string) *logging.Logger {
	return logging.MustGetLogger(name)
}

// Init sets the process-wide minimum log level, for use by command
// entrypoints (cmd/enginectl) at startup.
func Init(level Level) {
	logging.SetLevel(level, "")
}
