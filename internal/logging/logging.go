// Package logging wires idiomscan's structured logging through
// github.com/joeycumines/logiface, the same facade the teacher module
// family (go-eventloop, go-catrate, ...) builds on. Library packages only
// ever see logiface.Logger[logiface.Event]; concrete backends are wired up
// here, at the edge, by the cmd/ front ends.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	izerolog "github.com/joeycumines/logiface-zerolog"
	"github.com/rs/zerolog"
)

// Logger is the interface-typed logiface logger every idiomscan component
// accepts, mirroring eventloop's practice of depending on an abstract
// Logger rather than a concrete sink.
type Logger = logiface.Logger[logiface.Event]

// Level mirrors the LogLevel enum eventloop/logging.go exposes, translated
// onto logiface's syslog-derived level scale.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) logifaceLevel() logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// New builds a logger backed by zerolog, writing structured JSON lines to
// w. Passing io.Discard (or nil, which is treated as io.Discard) is the
// idiomatic way to silence logging in tests, following the pattern of
// eventloop.NewNoOpLogger().
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	backend := zerolog.New(w).With().Timestamp().Logger()
	l := izerolog.L.New(
		izerolog.L.WithZerolog(backend),
		izerolog.L.WithLevel(level.logifaceLevel()),
	)
	return l.Logger()
}

// Discard is a process-wide logger that drops everything; used as the
// default when a component is constructed without an explicit logger, so
// nil-checks never have to litter the core (mirrors eventloop's
// getGlobalLogger falling back to NewNoOpLogger()).
var Discard = New(LevelError, io.Discard)

// Stderr is a convenience constructor for CLI front ends.
func Stderr(level Level) *Logger {
	return New(level, os.Stderr)
}
