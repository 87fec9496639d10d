package logging

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewAuditLogger returns a JSON slog.Logger backed by a size/age-rotated
// file sink, independent of the process-wide logger returned by Setup. It
// is used to record settled liquidations so operators have a durable record
// even if the primary log stream is sampled or shipped elsewhere.
func NewAuditLogger(path string, maxSizeMB, maxBackups, maxAgeDays int) *slog.Logger {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{AddSource: false})
	return slog.New(handler).With(slog.String("component", "lending-audit"))
}
