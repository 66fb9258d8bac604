package config

import (
	"io"
	"log/slog"
	"strings"
)

// SlogLevel maps Level onto slog; unknown values fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Logger builds the process logger writing to w. Debug level adds source
// locations. attrs are attached to every record.
func (l LogConfig) Logger(w io.Writer, attrs ...any) *slog.Logger {
	lvl := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(l.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With(attrs...)
}
