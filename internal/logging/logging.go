// Package logging builds the process logger and adapts it to the line sinks
// used for supervised-process output.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a structured logger writing to w. level is one of debug, info,
// warn, error; anything else falls back to info.
func New(w io.Writer, level string) *slog.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "ananas",
		Level:           lvl,
	})
	return slog.New(handler)
}

// Sink receives LogLines from supervised processes and tailed log files.
// Implementations must be safe for concurrent use.
type Sink interface {
	WriteLine(line string)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(line string)

// WriteLine calls f(line).
func (f SinkFunc) WriteLine(line string) { f(line) }

// SlogSink forwards lines to logger at info level, tagged with source.
func SlogSink(logger *slog.Logger, source string) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("source", source)
	return SinkFunc(func(line string) {
		l.Info(line)
	})
}

// Discard drops every line.
var Discard Sink = SinkFunc(func(string) {})
