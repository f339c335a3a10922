package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. An unknown level falls back to info.
func New(level string, pretty bool) zerolog.Logger {
	return newWithWriter(os.Stdout, level, pretty)
}

func newWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "ridewatch-console").Logger()
}

// Stream returns the logger for the stream components. Per-frame and
// keep-alive chatter is only logged when debug is on.
func Stream(root zerolog.Logger, debug bool) zerolog.Logger {
	if debug {
		return root.Level(zerolog.DebugLevel)
	}
	if root.GetLevel() < zerolog.InfoLevel {
		return root.Level(zerolog.InfoLevel)
	}
	return root
}
