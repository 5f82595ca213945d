// Package logging wires up the zerolog loggers used across both stages,
// the way the teacher codebase keeps a package-level sub-logger per
// component instead of threading a logger through every call.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is the Stage-1 logger: a human console writer by default, or a
// plain file/JSON writer when --log-file redirects it.
var Log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Stage2Log is entered after the pivot, once the init shim has reopened
// stdio onto whatever sink §4.8 selected.
var Stage2Log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func levelFromString(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetLevel adjusts the Stage-1 logger's verbosity from --log-level.
func SetLevel(level string) {
	Log = Log.Level(levelFromString(level))
}

// SetStage2Level adjusts the Stage-2 logger's verbosity from
// --s2-log-level.
func SetStage2Level(level string) {
	Stage2Log = Stage2Log.Level(levelFromString(level))
}

// RedirectTo points the Stage-1 logger at an open file (--log-file)
// instead of the console.
func RedirectTo(w io.Writer) {
	lvl := Log.GetLevel()
	Log = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// RedirectStage2To points the Stage-2 logger at an open file or block
// device (--log-to), keeping its configured level.
func RedirectStage2To(w io.Writer) {
	lvl := Stage2Log.GetLevel()
	Stage2Log = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}
