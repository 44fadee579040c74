package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses colourized text. Logs go
// to stderr; stdout belongs to the terminal client.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stderr)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
}
