package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/mlscore/internal/association"
)

// SaveIdentityUpdates stores updates in one transaction. Updates already
// present for the same (inbox, sequence id) are silently ignored.
func (s *Store) SaveIdentityUpdates(ctx context.Context, updates []association.IdentityUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			payload, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("save identity update %s/%d: %w", u.InboxID, u.SequenceID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO identity_updates
				(inbox_id, sequence_id, originator_id, client_timestamp_ns, payload)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, u.InboxID, u.SequenceID, u.OriginatorID, u.ClientTimestampNs, string(payload))
			if err != nil {
				return fmt.Errorf("save identity update %s/%d: %w", u.InboxID, u.SequenceID, err)
			}
		}
		return nil
	})
}

// IdentityUpdates returns the inbox's updates with sequence id <= upTo in
// ascending sequence order.
func (s *Store) IdentityUpdates(ctx context.Context, inboxID string, upTo uint64) ([]association.IdentityUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM identity_updates
		WHERE inbox_id = ? AND sequence_id <= ?
		ORDER BY sequence_id ASC
	`, inboxID, upTo)
	if err != nil {
		return nil, fmt.Errorf("query identity updates: %w", err)
	}
	defer rows.Close()

	var updates []association.IdentityUpdate
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan identity update: %w", err)
		}
		var u association.IdentityUpdate
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			return nil, fmt.Errorf("decode identity update for %s: %w", inboxID, err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity updates: %w", err)
	}
	return updates, nil
}

// LatestIdentitySequenceID returns the highest stored sequence id for the
// inbox, 0 if none.
func (s *Store) LatestIdentitySequenceID(ctx context.Context, inboxID string) (uint64, error) {
	var latest uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_id), 0)
		FROM identity_updates
		WHERE inbox_id = ?
	`, inboxID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest identity sequence id for %s: %w", inboxID, err)
	}
	return latest, nil
}

// InboxIDs returns every inbox with stored updates, sorted.
func (s *Store) InboxIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT inbox_id
		FROM identity_updates
		ORDER BY inbox_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query inbox ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inbox id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox ids: %w", err)
	}
	return ids, nil
}

// SaveSnapshot records state as the latest resolved state of its inbox.
// A snapshot at a lower sequence id never replaces a newer one.
func (s *Store) SaveSnapshot(ctx context.Context, state *association.AssociationState) error {
	data, err := json.Marshal(state.Snapshot())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", state.InboxID(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO association_snapshots (inbox_id, sequence_id, digest, snapshot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(inbox_id) DO UPDATE SET
			sequence_id = excluded.sequence_id,
			digest = excluded.digest,
			snapshot = excluded.snapshot
		WHERE excluded.sequence_id >= association_snapshots.sequence_id
	`, state.InboxID(), state.LastSequenceID(), state.Digest(), string(data))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", state.InboxID(), err)
	}
	return nil
}

// Snapshot returns the latest saved state of the inbox. The boolean is false
// when no snapshot exists.
func (s *Store) Snapshot(ctx context.Context, inboxID string) (*association.AssociationState, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM association_snapshots WHERE inbox_id = ?
	`, inboxID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s: %w", inboxID, err)
	}
	var snap association.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", inboxID, err)
	}
	state, err := association.FromSnapshot(snap)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}
