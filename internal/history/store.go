// Package history persists clipboard snapshots for a session, backed by
// SQLite. Row numbering is recency-based: row 0 is always the newest item.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"go.klb.dev/clipstash/internal/message"
)

// DefaultMaxItems bounds the history when no limit is configured.
const DefaultMaxItems = 200

// ErrNotFound is returned for a row number past the end of the history.
var ErrNotFound = errors.New("no such history item")

// Item is one stored clipboard snapshot.
type Item struct {
	Row       int
	ID        int64
	Snapshot  message.Snapshot
	CreatedAt time.Time
}

// Store manages history persistence backed by SQLite.
type Store struct {
	db       *sql.DB
	path     string
	maxItems atomic.Int64
}

// Open initializes or connects to the history database at path and applies
// the schema. maxItems bounds the history; values below one select
// DefaultMaxItems.
func Open(path string, maxItems int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	s.SetMaxItems(maxItems)
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// MaxItems returns the current history bound.
func (s *Store) MaxItems() int { return int(s.maxItems.Load()) }

// SetMaxItems updates the history bound. The bound is enforced on the next
// Add.
func (s *Store) SetMaxItems(n int) {
	if n < 1 {
		n = DefaultMaxItems
	}
	s.maxItems.Store(int64(n))
}

// Add stores a snapshot at row 0. A snapshot whose content digest already
// exists is moved to the front instead of duplicated; moved reports that
// case. Items beyond the history bound fall off the end.
func (s *Store) Add(ctx context.Context, snap message.Snapshot) (*Item, bool, error) {
	data, err := snap.Encode()
	if err != nil {
		return nil, false, fmt.Errorf("encode snapshot: %w", err)
	}
	digest := int64(snap.Digest())
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	moved := false
	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM items WHERE digest = ?`, digest).Scan(&existing)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, existing); err != nil {
			return nil, false, fmt.Errorf("drop duplicate: %w", err)
		}
		moved = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, false, fmt.Errorf("look up digest: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO items (digest, data, created_at) VALUES (?, ?, ?)`,
		digest, data, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("read insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM items WHERE id NOT IN (SELECT id FROM items ORDER BY id DESC LIMIT ?)`,
		s.maxItems.Load()); err != nil {
		return nil, false, fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return &Item{Row: 0, ID: id, Snapshot: snap, CreatedAt: now}, moved, nil
}

// Get returns the item at the given row, row 0 being the newest.
func (s *Store) Get(ctx context.Context, row int) (*Item, error) {
	if row < 0 {
		return nil, ErrNotFound
	}
	var (
		id      int64
		data    []byte
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, data, created_at FROM items ORDER BY id DESC LIMIT 1 OFFSET ?`,
		row).Scan(&id, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select row %d: %w", row, err)
	}
	return scanItem(row, id, data, created)
}

// List returns the newest items in row order. limit below one means all.
func (s *Store) List(ctx context.Context, limit int) ([]Item, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, created_at FROM items ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			id      int64
			data    []byte
			created string
		)
		if err := rows.Scan(&id, &data, &created); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it, err := scanItem(len(items), id, data, created)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// Remove deletes the given rows and returns how many items went away. Rows
// past the end are ignored.
func (s *Store) Remove(ctx context.Context, rowNums []int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Resolve every row to an id first; deleting as we go would shift the
	// later offsets.
	var ids []int64
	for _, row := range slices.Compact(slices.Sorted(slices.Values(rowNums))) {
		if row < 0 {
			continue
		}
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM items ORDER BY id DESC LIMIT 1 OFFSET ?`, row).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("resolve row %d: %w", row, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM items WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted: %w", err)
	}
	return int(n), tx.Commit()
}

// Clear empties the history and returns how many items went away.
func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func scanItem(row int, id int64, data []byte, created string) (*Item, error) {
	snap, err := message.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode item %d: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp of item %d: %w", id, err)
	}
	return &Item{Row: row, ID: id, Snapshot: snap, CreatedAt: ts}, nil
}
