package clip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstash/internal/message"
)

func TestMemoryWriteReadCycle(t *testing.T) {
	b := Memory()
	defer b.Close()

	snap := message.Snapshot{
		message.FormatText: []byte("hello"),
		message.FormatHTML: []byte("<p>hello</p>"),
	}
	require.NoError(t, b.Write(message.ModeClipboard, snap))

	select {
	case mode := <-b.Watch():
		assert.Equal(t, message.ModeClipboard, mode)
	case <-time.After(time.Second):
		t.Fatal("no watch notification")
	}

	got, err := b.Read(message.ModeClipboard, nil)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestMemoryFormatFilter(t *testing.T) {
	b := Memory()
	defer b.Close()

	require.NoError(t, b.Write(message.ModeClipboard, message.Snapshot{
		message.FormatText: []byte("x"),
		message.FormatHTML: []byte("<i>x</i>"),
	}))

	got, err := b.Read(message.ModeClipboard, []string{message.FormatText})
	require.NoError(t, err)
	assert.Equal(t, message.Snapshot{message.FormatText: []byte("x")}, got)
}

func TestMemoryDropsReservedFormats(t *testing.T) {
	b := Memory()
	defer b.Close()

	require.NoError(t, b.Write(message.ModeClipboard, message.Snapshot{
		message.FormatText:  []byte("x"),
		message.FormatOwner: []byte("abc"),
	}))

	got, err := b.Read(message.ModeClipboard, nil)
	require.NoError(t, err)
	assert.Equal(t, message.Snapshot{message.FormatText: []byte("x")}, got)
}

func TestMemoryBuffersAreIndependent(t *testing.T) {
	b := Memory()
	defer b.Close()

	require.NoError(t, b.Write(message.ModeClipboard, message.NewText("primary")))
	require.NoError(t, b.Write(message.ModeSelection, message.NewText("selected")))

	clip, err := b.Read(message.ModeClipboard, nil)
	require.NoError(t, err)
	sel, err := b.Read(message.ModeSelection, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", clip.Text())
	assert.Equal(t, "selected", sel.Text())
}

func TestMemoryOwnerTitle(t *testing.T) {
	b := Memory().(*memoryBackend)
	defer b.Close()

	assert.Equal(t, "", b.OwnerTitle())
	b.SetOwnerTitle("Terminal")
	assert.Equal(t, "Terminal", b.OwnerTitle())
}
