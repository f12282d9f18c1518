//go:build linux || darwin || windows

package clip

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.design/x/clipboard"

	"go.klb.dev/clipstash/internal/message"
)

const defaultPollInterval = 250 * time.Millisecond

type pollBackend struct {
	watchCh  chan message.Mode
	done     chan struct{}
	interval atomic.Int64

	lastText []byte
	lastImg  []byte
}

// New returns the system clipboard backend, or the in-memory backend when
// the display environment is unavailable (e.g. a server without X11 or
// Wayland). clipboard.Init is called here rather than in init() so plain CLI
// invocations never touch the display.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("system clipboard unavailable, using in-memory clipboard", "err", err)
		return Memory()
	}
	b := &pollBackend{
		watchCh: make(chan message.Mode, 1),
		done:    make(chan struct{}),
	}
	b.interval.Store(int64(defaultPollInterval))
	go b.poll()
	return b
}

func (b *pollBackend) Name() string { return "system clipboard (poll)" }

func (b *pollBackend) poll() {
	for {
		t := time.NewTimer(time.Duration(b.interval.Load()))
		select {
		case <-b.done:
			t.Stop()
			return
		case <-t.C:
		}
		text := clipboard.Read(clipboard.FmtText)
		img := clipboard.Read(clipboard.FmtImage)
		if !bytes.Equal(text, b.lastText) || !bytes.Equal(img, b.lastImg) {
			b.lastText = text
			b.lastImg = img
			select {
			case b.watchCh <- message.ModeClipboard:
			default:
			}
		}
	}
}

func (b *pollBackend) Read(mode message.Mode, formats []string) (message.Snapshot, error) {
	snap := message.Snapshot{}
	if mode != message.ModeClipboard {
		return snap, nil
	}
	if len(formats) == 0 {
		formats = []string{message.FormatText, message.FormatImage}
	}
	for _, format := range formats {
		switch format {
		case message.FormatText:
			if text := clipboard.Read(clipboard.FmtText); text != nil {
				snap[format] = text
			}
		case message.FormatImage:
			if img := clipboard.Read(clipboard.FmtImage); img != nil {
				snap[format] = img
			}
		}
	}
	return snap, nil
}

func (b *pollBackend) Write(mode message.Mode, snap message.Snapshot) error {
	if mode != message.ModeClipboard {
		slog.Debug("ignoring write to unsupported clipboard buffer", "mode", mode)
		return nil
	}
	// x/clipboard owns a single representation at a time; take the richest
	// one present.
	if img, ok := snap[message.FormatImage]; ok && len(img) > 0 {
		clipboard.Write(clipboard.FmtImage, img)
		return nil
	}
	if text, ok := snap[message.FormatText]; ok {
		clipboard.Write(clipboard.FmtText, text)
		return nil
	}
	return fmt.Errorf("no writable format among %v", snap.Formats())
}

func (b *pollBackend) Watch() <-chan message.Mode { return b.watchCh }

func (b *pollBackend) OwnerTitle() string { return "" }

func (b *pollBackend) Configure(settings message.Settings) {
	ms := settings.Int("poll_interval_ms", int(defaultPollInterval/time.Millisecond))
	if ms > 0 {
		b.interval.Store(int64(time.Duration(ms) * time.Millisecond))
	}
}

func (b *pollBackend) Close() { close(b.done) }
