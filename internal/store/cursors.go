package store

import (
	"context"
	"fmt"

	"github.com/roach88/mlscore/internal/cursor"
)

// CompareAndSet moves the (stream, originator) cursor from old to next. A
// missing row counts as position 0. It fails with cursor.ErrConflict when the
// stored position differs from old, and never moves a cursor backwards.
func (s *Store) CompareAndSet(ctx context.Context, stream string, originator uint32, old, next uint64) error {
	if next < old {
		return fmt.Errorf("cursor %s/%d: cannot move from %d back to %d", stream, originator, old, next)
	}
	if next == old {
		return nil
	}

	var query string
	var args []any
	if old == 0 {
		query = `
			INSERT INTO cursors (stream, originator_id, sequence_id)
			VALUES (?, ?, ?)
			ON CONFLICT(stream, originator_id) DO UPDATE SET sequence_id = excluded.sequence_id
			WHERE cursors.sequence_id = 0
		`
		args = []any{stream, originator, next}
	} else {
		query = `
			UPDATE cursors SET sequence_id = ?
			WHERE stream = ? AND originator_id = ? AND sequence_id = ?
		`
		args = []any{next, stream, originator, old}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cursor %s/%d: %w", stream, originator, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cursor %s/%d: %w", stream, originator, err)
	}
	if n == 0 {
		return fmt.Errorf("cursor %s/%d: expected %d: %w", stream, originator, old, cursor.ErrConflict)
	}
	return nil
}

// GlobalCursor returns the stored cursor of a stream, empty if none.
func (s *Store) GlobalCursor(ctx context.Context, stream string) (cursor.GlobalCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT originator_id, sequence_id
		FROM cursors
		WHERE stream = ?
		ORDER BY originator_id ASC
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("query cursor %s: %w", stream, err)
	}
	defer rows.Close()

	g := cursor.GlobalCursor{}
	for rows.Next() {
		var originator uint32
		var seq uint64
		if err := rows.Scan(&originator, &seq); err != nil {
			return nil, fmt.Errorf("scan cursor %s: %w", stream, err)
		}
		g[originator] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursor %s: %w", stream, err)
	}
	return g, nil
}

// Streams returns every stream with a stored cursor, sorted.
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT stream FROM cursors ORDER BY stream COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var stream string
		if err := rows.Scan(&stream); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}
