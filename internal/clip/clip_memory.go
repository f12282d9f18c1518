package clip

import (
	"sync"

	"go.klb.dev/clipstash/internal/message"
)

// Memory returns a process-local clipboard backend. It backs headless
// systems, where copy and select keep working against clipstash's own
// history, and stands in for the system clipboard in tests. Unlike the
// system backends it supports every clipboard buffer.
func Memory() Backend {
	return &memoryBackend{
		bufs:    make(map[message.Mode]message.Snapshot),
		watchCh: make(chan message.Mode, 8),
	}
}

type memoryBackend struct {
	mu    sync.Mutex
	bufs  map[message.Mode]message.Snapshot
	title string

	watchCh chan message.Mode
}

func (b *memoryBackend) Name() string { return "in-memory clipboard" }

func (b *memoryBackend) Read(mode message.Mode, formats []string) (message.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.bufs[mode]
	snap := message.Snapshot{}
	if len(formats) == 0 {
		for format, value := range cur {
			snap[format] = value
		}
		return snap, nil
	}
	for _, format := range formats {
		if value, ok := cur[format]; ok {
			snap[format] = value
		}
	}
	return snap, nil
}

func (b *memoryBackend) Write(mode message.Mode, snap message.Snapshot) error {
	stored := message.Snapshot{}
	for format, value := range snap {
		if message.ReservedFormat(format) {
			continue
		}
		stored[format] = value
	}
	b.mu.Lock()
	b.bufs[mode] = stored
	b.mu.Unlock()

	// A system clipboard notifies regardless of who wrote; so does this one.
	select {
	case b.watchCh <- mode:
	default:
	}
	return nil
}

func (b *memoryBackend) Watch() <-chan message.Mode { return b.watchCh }

func (b *memoryBackend) OwnerTitle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.title
}

// SetOwnerTitle sets the window title reported for subsequent changes.
func (b *memoryBackend) SetOwnerTitle(title string) {
	b.mu.Lock()
	b.title = title
	b.mu.Unlock()
}

func (b *memoryBackend) Configure(message.Settings) {}

func (b *memoryBackend) Close() {}
