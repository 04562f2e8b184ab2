package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Configure replaces the global logger. format is "json" or "text"; a nil
// writer means stdout.
func Configure(lvl, format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	SetLevel(lvl)
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "text") {
		L = slog.New(slog.NewTextHandler(w, opts))
	} else {
		L = slog.New(slog.NewJSONHandler(w, opts))
	}
	slog.SetDefault(L)
}

// ForSession returns the global logger tagged with a session id.
func ForSession(id string) *slog.Logger {
	return L.With("session_id", id)
}
