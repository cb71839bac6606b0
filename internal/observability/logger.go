package observability

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a logger writing to w, JSON in production and text
// otherwise. A nil level picks the environment's default.
func NewLogger(w io.Writer, environment string, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	if environment == "production" {
		if level == nil {
			level = slog.LevelInfo
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		}))
	}

	if level == nil {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
