// Package message defines the clipstash socket protocol payloads.
//
// Every frame on a clipstash socket carries a numeric code and an opaque
// payload. Structured payloads (clipboard snapshots, settings, command
// argument vectors) are JSON; snapshot values are emitted base64-encoded so
// binary content (images, etc.) is safe to embed in JSON strings.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

// Code identifies the kind of frame on a clipstash socket.
type Code int32

// Command socket codes. A reply with code CmdFinished, CmdError or
// CmdBadSyntax terminates the session, and the code doubles as the client's
// process exit status.
const (
	CmdFinished  Code = 0
	CmdError     Code = 1
	CmdBadSyntax Code = 2
	CmdPrint     Code = 5

	CmdCommand  Code = 10
	CmdInput    Code = 11
	CmdInputEOF Code = 12
)

// Monitor socket codes.
const (
	MonitorPing Code = iota + 100
	MonitorPong
	MonitorSettings
	MonitorChangeClipboard
	MonitorChangeSelection
	MonitorClipboardChanged
	MonitorLog
)

// Exit statuses the client reserves for failures that never produced a
// terminal reply. They deliberately do not collide with any reply code the
// server sends.
const (
	ExitNoReply  = 3 // connection lost while awaiting the reply
	ExitNoServer = 4 // could not connect to the server at all
)

func (c Code) String() string {
	switch c {
	case CmdFinished:
		return "CmdFinished"
	case CmdError:
		return "CmdError"
	case CmdBadSyntax:
		return "CmdBadSyntax"
	case CmdPrint:
		return "CmdPrint"
	case CmdCommand:
		return "CmdCommand"
	case CmdInput:
		return "CmdInput"
	case CmdInputEOF:
		return "CmdInputEOF"
	case MonitorPing:
		return "MonitorPing"
	case MonitorPong:
		return "MonitorPong"
	case MonitorSettings:
		return "MonitorSettings"
	case MonitorChangeClipboard:
		return "MonitorChangeClipboard"
	case MonitorChangeSelection:
		return "MonitorChangeSelection"
	case MonitorClipboardChanged:
		return "MonitorClipboardChanged"
	case MonitorLog:
		return "MonitorLog"
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// EncodeCommand serialises a command argument vector for a CmdCommand frame.
func EncodeCommand(args []string) ([]byte, error) {
	return json.Marshal(args)
}

// DecodeCommand deserialises the argument vector of a CmdCommand frame.
func DecodeCommand(b []byte) ([]string, error) {
	var args []string
	if err := json.Unmarshal(b, &args); err != nil {
		return nil, fmt.Errorf("command decode: %w", err)
	}
	return args, nil
}

// Settings is the option set the server pushes to its monitor. Unknown keys
// are carried along untouched so either side can be upgraded first.
type Settings map[string]any

// Encode serialises the settings for a MonitorSettings frame.
func (s Settings) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSettings deserialises the payload of a MonitorSettings frame.
func DecodeSettings(b []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("settings decode: %w", err)
	}
	return s, nil
}

// Formats returns the "formats" option, the MIME formats the monitor should
// read from the system clipboard. Empty means the monitor's default set.
func (s Settings) Formats() []string {
	v, ok := s["formats"]
	if !ok {
		return nil
	}
	return cast.ToStringSlice(v)
}

// Int returns an integer option, or def when absent or unparseable.
func (s Settings) Int(key string, def int) int {
	v, ok := s[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}
