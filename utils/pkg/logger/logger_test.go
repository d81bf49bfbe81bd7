package logger

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAttr(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 6, 1, 12, 30, 45, 120_000_000, time.FixedZone("UTC+3", 3*3600))
	a := normalizeAttr(nil, slog.Time(slog.TimeKey, ts))
	require.Equal(t, "2026-06-01T09:30:45.120Z", a.Value.String())

	// Empty string attributes are dropped.
	require.Equal(t, slog.Attr{}, normalizeAttr(nil, slog.String("reason", "")))
	require.Equal(t, "boom", normalizeAttr(nil, slog.String("reason", "boom")).Value.String())
}

func TestNew(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	require.True(t, New(true).Enabled(t.Context(), slog.LevelDebug))
	require.False(t, New(false).Enabled(t.Context(), slog.LevelDebug))
}
