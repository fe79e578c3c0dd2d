// Package logging builds the leveled, field-structured loggers used
// across the crawl core. Every component attaches its own "component"
// field so interleaved goroutine output stays attributable.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New returns a logger that writes to w (os.Stderr if nil) tagged with
// component. Quiet suppresses everything below warn.
func New(w io.Writer, component string, quiet bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.WarnLevel
	}
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
