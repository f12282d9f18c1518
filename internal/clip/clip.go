// Package clip provides access to the system clipboard. Build constraints
// select the implementation:
//
//	clip_active.go: Linux, macOS and Windows via golang.design/x/clipboard,
//	change detection by polling
//	clip_other.go: everything else, backed by the in-memory clipboard
//
// golang.design/x/clipboard only exposes the primary clipboard, so the X11
// selection and the macOS find buffer read as empty on the active backend.
// The in-memory backend keeps all buffers.
package clip

import "go.klb.dev/clipstash/internal/message"

// Backend is the interface all clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Read returns the current content of the given clipboard buffer,
	// restricted to formats when non-empty. The returned snapshot is owned
	// by the caller. An unsupported buffer reads as empty.
	Read(mode message.Mode, formats []string) (message.Snapshot, error)

	// Write replaces the content of the given clipboard buffer. Reserved
	// clipstash formats are never written to the system clipboard.
	Write(mode message.Mode, snap message.Snapshot) error

	// Watch returns a channel that receives the buffer that changed. The
	// channel is never closed. On platforms without native change
	// notification the signal comes from polling; the receiver is expected
	// to Read and compare.
	Watch() <-chan message.Mode

	// OwnerTitle returns the title of the window owning the clipboard, or ""
	// when unknown.
	OwnerTitle() string

	// Configure applies monitor settings, such as the poll interval.
	Configure(settings message.Settings)

	// Close releases any resources held by the backend.
	Close()
}
