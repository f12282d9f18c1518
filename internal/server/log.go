package server

import (
	"context"
	"log/slog"

	"go.klb.dev/clipstash/internal/history"
	"go.klb.dev/clipstash/internal/message"
)

// logCapture logs a stored clipboard item at INFO (id, formats, window) and
// DEBUG (text preview up to 120 chars, or byte size for binary formats).
func logCapture(log *slog.Logger, snap message.Snapshot, item *history.Item, moved bool) {
	attrs := []any{"id", item.ID, "formats", snap.Formats()}
	if title := snap[message.FormatWindowTitle]; len(title) > 0 {
		attrs = append(attrs, "window", string(title))
	}
	if moved {
		attrs = append(attrs, "moved", true)
	}
	log.Info("clipboard captured", attrs...)

	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, format := range snap.Formats() {
		if message.ReservedFormat(format) {
			continue
		}
		if format == message.FormatText {
			preview := string(snap[format])
			if len(preview) > 120 {
				preview = preview[:120] + "…"
			}
			log.Debug("clipboard item", "format", format, "preview", preview)
		} else {
			log.Debug("clipboard item", "format", format, "size_bytes", len(snap[format]))
		}
	}
}
