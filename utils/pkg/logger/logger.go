// Package logger builds the process-wide slog.Logger. Interactive runs get
// tinted console output; setting LOG_FORMAT=json switches to machine-readable
// lines for log shippers.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if os.Getenv("LOG_FORMAT") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: normalizeAttr,
		}))
	}

	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:       level,
		NoColor:     os.Getenv("NO_COLOR") != "",
		ReplaceAttr: normalizeAttr,
	}))
}

// normalizeAttr pins timestamps to millisecond UTC and drops empty string
// attributes so settlement logs stay grep-friendly.
func normalizeAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}
