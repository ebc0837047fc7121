package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/mlscore/internal/cursor"
)

// StoredOrphan is an iced envelope in its encoded form.
type StoredOrphan struct {
	Stream   string
	Cursor   cursor.Cursor
	Envelope []byte
}

// SaveOrphan parks an encoded envelope. Saving the same (stream, cursor)
// twice keeps the first.
func (s *Store) SaveOrphan(ctx context.Context, o StoredOrphan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO icebox (stream, originator_id, sequence_id, envelope)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, o.Stream, o.Cursor.OriginatorID, o.Cursor.SequenceID, o.Envelope)
	if err != nil {
		return fmt.Errorf("save orphan %s@%s: %w", o.Stream, o.Cursor, err)
	}
	return nil
}

// DeleteOrphans removes released orphans of a stream.
func (s *Store) DeleteOrphans(ctx context.Context, stream string, cursors []cursor.Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cursors {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM icebox WHERE stream = ? AND originator_id = ? AND sequence_id = ?
			`, stream, c.OriginatorID, c.SequenceID)
			if err != nil {
				return fmt.Errorf("delete orphan %s@%s: %w", stream, c, err)
			}
		}
		return nil
	})
}

// Orphans returns every parked envelope ordered by stream and cursor.
func (s *Store) Orphans(ctx context.Context) ([]StoredOrphan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream, originator_id, sequence_id, envelope
		FROM icebox
		ORDER BY stream COLLATE BINARY ASC, originator_id ASC, sequence_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query icebox: %w", err)
	}
	defer rows.Close()

	var orphans []StoredOrphan
	for rows.Next() {
		var o StoredOrphan
		if err := rows.Scan(&o.Stream, &o.Cursor.OriginatorID, &o.Cursor.SequenceID, &o.Envelope); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate icebox: %w", err)
	}
	return orphans, nil
}
