package studytesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a test logger whose level is driven by the DEBUG
// environment variable: "2" for debug, "1" for info, errors only otherwise.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
