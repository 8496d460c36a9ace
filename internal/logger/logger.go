package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the process-wide log handler.
type Options struct {
	// Level is debug/info/warn/error. Empty falls back to LOG_LEVEL, then info.
	Level string
	// Format is "text", "json", "pretty" or "auto" (pretty when W is a terminal).
	Format string
	// W defaults to os.Stderr.
	W io.Writer
}

// Init installs the global slog logger. Call this once early in main before
// any logging occurs.
func Init(opts Options) *slog.Logger {
	w := opts.W
	if w == nil {
		w = os.Stderr
	}
	lvl := opts.Level
	if lvl == "" {
		lvl = os.Getenv("LOG_LEVEL")
	}
	hopts := &slog.HandlerOptions{Level: parseLevel(lvl)}

	var h slog.Handler
	switch resolveFormat(opts.Format, w) {
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	case "pretty":
		h = NewPrettyHandler(w, hopts, isTerminal(w))
	default:
		h = slog.NewTextHandler(w, hopts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

func resolveFormat(format string, w io.Writer) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" || f == "auto" {
		if isTerminal(w) {
			return "pretty"
		}
		return "text"
	}
	return f
}

// isTerminal returns true if w is a character device.
// Checks NO_COLOR env and TERM=dumb per clig.dev guidelines.
func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
