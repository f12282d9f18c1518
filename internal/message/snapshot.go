package message

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is one full clipboard state, keyed by MIME format.
type Snapshot map[string][]byte

// Common clipboard formats.
const (
	FormatText  = "text/plain"
	FormatHTML  = "text/html"
	FormatImage = "image/png"
)

// Formats under FormatPrefix carry clipstash metadata inside a snapshot and
// never count as user-visible content.
const (
	FormatPrefix      = "application/x-clipstash-"
	FormatMode        = FormatPrefix + "mode"
	FormatOwner       = FormatPrefix + "owner"
	FormatWindowTitle = FormatPrefix + "window-title"
)

// Mode names a clipboard buffer. Most platforms only have the primary
// clipboard; selection and the find buffer exist on X11 and macOS.
type Mode string

const (
	ModeClipboard  Mode = "clipboard"
	ModeSelection  Mode = "selection"
	ModeFindBuffer Mode = "find-buffer"
)

// ReservedFormat reports whether format is clipstash metadata.
func ReservedFormat(format string) bool {
	return strings.HasPrefix(format, FormatPrefix)
}

// NewText creates a plain-text snapshot.
func NewText(text string) Snapshot {
	return Snapshot{FormatText: []byte(text)}
}

// Text returns the plain-text content of the snapshot, or "".
func (s Snapshot) Text() string {
	return string(s[FormatText])
}

// Mode returns the buffer the snapshot was captured from. Snapshots from the
// primary clipboard carry no mode tag.
func (s Snapshot) Mode() Mode {
	if v, ok := s[FormatMode]; ok {
		return Mode(v)
	}
	return ModeClipboard
}

// Clone returns a copy sharing the value slices.
func (s Snapshot) Clone() Snapshot {
	return maps.Clone(s)
}

// Formats returns the snapshot's formats, sorted for stable output.
func (s Snapshot) Formats() []string {
	return slices.Sorted(maps.Keys(s))
}

// Encode serialises the snapshot for the wire.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot deserialises a snapshot payload.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return s, nil
}

// SameData reports whether data still carries the same user-visible content
// as last, the previously reported snapshot. The comparison is deliberately
// loose: reserved formats are ignored on both sides, and a format whose new
// value is empty never counts as a change. Every non-reserved format of last
// must still be present in data.
func SameData(data, last Snapshot) bool {
	for format := range last {
		if ReservedFormat(format) {
			continue
		}
		if _, ok := data[format]; !ok {
			return false
		}
	}
	for format, value := range data {
		if ReservedFormat(format) || len(value) == 0 {
			continue
		}
		if !bytes.Equal(value, last[format]) {
			return false
		}
	}
	return true
}

// Digest returns a stable hash of the snapshot's user-visible content.
// Reserved formats do not contribute, so the same text copied from two
// windows digests identically.
func (s Snapshot) Digest() uint64 {
	d := xxhash.New()
	var n [8]byte
	for _, format := range s.Formats() {
		if ReservedFormat(format) {
			continue
		}
		value := s[format]
		binary.BigEndian.PutUint64(n[:], uint64(len(format)))
		d.Write(n[:])
		d.WriteString(format)
		binary.BigEndian.PutUint64(n[:], uint64(len(value)))
		d.Write(n[:])
		d.Write(value)
	}
	return d.Sum64()
}
