package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstash/internal/message"
)

func openStore(t *testing.T, maxItems int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), maxItems)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndGet(t *testing.T) {
	s := openStore(t, 0)
	ctx := t.Context()

	it, moved, err := s.Add(ctx, message.NewText("first"))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 0, it.Row)

	_, _, err = s.Add(ctx, message.NewText("second"))
	require.NoError(t, err)

	got, err := s.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Snapshot.Text())

	got, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Snapshot.Text())

	_, err = s.Get(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMovesDuplicateToFront(t *testing.T) {
	s := openStore(t, 0)
	ctx := t.Context()

	_, _, err := s.Add(ctx, message.NewText("a"))
	require.NoError(t, err)
	_, _, err = s.Add(ctx, message.NewText("b"))
	require.NoError(t, err)

	_, moved, err := s.Add(ctx, message.NewText("a"))
	require.NoError(t, err)
	assert.True(t, moved)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Snapshot.Text())
}

func TestDuplicateIgnoresReservedFormats(t *testing.T) {
	s := openStore(t, 0)
	ctx := t.Context()

	_, _, err := s.Add(ctx, message.NewText("same"))
	require.NoError(t, err)

	tagged := message.NewText("same")
	tagged[message.FormatWindowTitle] = []byte("Browser")
	_, moved, err := s.Add(ctx, tagged)
	require.NoError(t, err)
	assert.True(t, moved, "window title must not defeat deduplication")
}

func TestTrimToMaxItems(t *testing.T) {
	s := openStore(t, 3)
	ctx := t.Context()

	for _, text := range []string{"1", "2", "3", "4", "5"} {
		_, _, err := s.Add(ctx, message.NewText(text))
		require.NoError(t, err)
	}

	items, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "5", items[0].Snapshot.Text())
	assert.Equal(t, "3", items[2].Snapshot.Text())
	assert.Equal(t, 2, items[2].Row)
}

func TestRemoveRows(t *testing.T) {
	s := openStore(t, 0)
	ctx := t.Context()

	for _, text := range []string{"a", "b", "c", "d"} {
		_, _, err := s.Add(ctx, message.NewText(text))
		require.NoError(t, err)
	}

	// Newest first: rows are d=0 c=1 b=2 a=3.
	n, err := s.Remove(ctx, []int{0, 2, 2, 99})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].Snapshot.Text())
	assert.Equal(t, "a", items[1].Snapshot.Text())
}

func TestClear(t *testing.T) {
	s := openStore(t, 0)
	ctx := t.Context()

	_, _, err := s.Add(ctx, message.NewText("x"))
	require.NoError(t, err)

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenKeepsItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := t.Context()

	s, err := Open(path, 0)
	require.NoError(t, err)
	_, _, err = s.Add(ctx, message.Snapshot{
		message.FormatText:  []byte("persisted"),
		message.FormatImage: {0x89, 0x50, 0x4e, 0x47},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Snapshot.Text())
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, got.Snapshot[message.FormatImage])
}

func TestSetMaxItems(t *testing.T) {
	s := openStore(t, 10)
	ctx := t.Context()

	for _, text := range []string{"a", "b", "c"} {
		_, _, err := s.Add(ctx, message.NewText(text))
		require.NoError(t, err)
	}

	s.SetMaxItems(2)
	_, _, err := s.Add(ctx, message.NewText("d"))
	require.NoError(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
