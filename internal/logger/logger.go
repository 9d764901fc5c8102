// Package logger provides a thin wrapper around zerolog.Logger used
// throughout lockbox.
//
// The Logger type embeds zerolog.Logger so all standard zerolog methods
// (Debug, Info, Warn, Error, etc.) are available directly on *Logger.
// Components receive *Logger by pointer; tests use Nop.
//
// Passkeys, master credentials and plaintexts must never be logged.
// Identifiers are logged through ShortID only.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// shortIDLength is the number of identifier characters kept by ShortID.
const shortIDLength = 12

// Logger is a thin wrapper around zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// New constructs a JSON *Logger writing to w for the given role label
// (e.g. "cli", "mcp"). An unparsable level falls back to info.
func New(w io.Writer, role, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := zerolog.New(w).
		Level(lvl).
		With().
		Str("role", role).
		Timestamp().
		Logger()

	return &Logger{l}
}

// NewConsole constructs a human-readable *Logger on out (os.Stderr when nil).
// Used by the CLI where stdout carries command output.
func NewConsole(out io.Writer, role, level string) *Logger {
	if out == nil {
		out = os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly, NoColor: out != os.Stderr}
	return New(w, role, level)
}

// Nop returns a *Logger that discards all log output.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// GetChildLogger returns a new *Logger that inherits all fields of the
// receiver and adds a component field.
func (l *Logger) GetChildLogger(component string) *Logger {
	return &Logger{l.With().Str("component", component).Logger()}
}

// ShortID truncates an identifier for log output. Identifiers are ciphertext
// tokens and can be several kilobytes long.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength] + "..."
}
