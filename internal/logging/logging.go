// Package logging configures the global slog logger for clipstash binaries
// and carries log records between the monitor process and the server.
package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pwntr/tinter"
)

// Format selects the log output format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat converts a string to a Format, returning FormatAuto for
// unknown values.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "text", "tint", "human":
		return FormatText
	case "json":
		return FormatJSON
	default:
		return FormatAuto
	}
}

// ParseLevel converts a string to a slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// Setup configures the global slog logger. Call once after flag/viper
// parsing.
func Setup(format Format, level slog.Level) {
	w := os.Stderr
	useTint := format == FormatText || (format == FormatAuto && IsTTY(w))

	var h slog.Handler
	if useTint {
		h = tinter.NewHandler(w, &tinter.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	}
	slog.SetDefault(slog.New(h))
}

// Forward encodes a record for relay over a MonitorLog frame. The monitor
// runs detached from any terminal, so anything worth surfacing goes through
// the server's logger instead.
func Forward(level slog.Level, msg string) []byte {
	return []byte(level.String() + "|" + msg)
}

// ParseForward decodes a relayed record. Payloads without a recognisable
// level prefix come back whole at info level.
func ParseForward(b []byte) (slog.Level, string) {
	if i := bytes.IndexByte(b, '|'); i > 0 {
		var l slog.Level
		if err := l.UnmarshalText(b[:i]); err == nil {
			return l, string(b[i+1:])
		}
	}
	return slog.LevelInfo, string(b)
}
