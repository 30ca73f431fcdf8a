package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger writing to out (stdout when nil) at the
// named level; unknown levels mean info.
func NewLogger(level string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	return zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
