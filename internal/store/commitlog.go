package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/mlscore/internal/commitlog"
)

// AppendLocalCommitLog records the outcome of a processed commit and returns
// the entry's local log sequence id.
func (s *Store) AppendLocalCommitLog(ctx context.Context, e commitlog.Entry) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO local_commit_log
		(group_id, commit_sequence_id, last_epoch_authenticator, result,
		 applied_epoch_number, applied_epoch_authenticator)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.GroupID, e.CommitSequenceID, e.LastEpochAuthenticator, e.Result.String(),
		e.AppliedEpochNumber, e.AppliedEpochAuthenticator)
	if err != nil {
		return 0, fmt.Errorf("append local commit log for %s: %w", e.GroupID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append local commit log for %s: %w", e.GroupID, err)
	}
	return uint64(id), nil
}

// CommitLogGroups lists the active groups with their publisher flag.
func (s *Store) CommitLogGroups(ctx context.Context) ([]commitlog.GroupInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, publish_commit_log
		FROM groups WHERE active = 1
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query commit log groups: %w", err)
	}
	defer rows.Close()

	var groups []commitlog.GroupInfo
	for rows.Next() {
		var g commitlog.GroupInfo
		if err := rows.Scan(&g.ID, &g.Publish); err != nil {
			return nil, fmt.Errorf("scan commit log group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commit log groups: %w", err)
	}
	return groups, nil
}

// CommitLogCursor returns a worker cursor, 0 if never set.
func (s *Store) CommitLogCursor(ctx context.Context, groupID string, kind commitlog.CursorKind) (uint64, error) {
	var position uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT position FROM commit_log_cursors WHERE group_id = ? AND kind = ?
	`, groupID, string(kind)).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s cursor for %s: %w", kind, groupID, err)
	}
	return position, nil
}

// LatestRemoteEntry returns the stored remote entry with the highest log
// sequence id, nil if none.
func (s *Store) LatestRemoteEntry(ctx context.Context, groupID string) (*commitlog.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT log_sequence_id, group_id, commit_sequence_id, last_epoch_authenticator,
		       result, applied_epoch_number, applied_epoch_authenticator
		FROM remote_commit_log
		WHERE group_id = ?
		ORDER BY log_sequence_id DESC
		LIMIT 1
	`, groupID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest remote entry for %s: %w", groupID, err)
	}
	return &e, nil
}

// LocalEntriesAfter returns local entries with log sequence id > after.
func (s *Store) LocalEntriesAfter(ctx context.Context, groupID string, after uint64) ([]commitlog.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT id, group_id, commit_sequence_id, last_epoch_authenticator,
		       result, applied_epoch_number, applied_epoch_authenticator
		FROM local_commit_log
		WHERE group_id = ? AND id > ?
		ORDER BY id ASC
	`, groupID, after)
}

// RemoteEntriesAfter returns stored remote entries with log sequence id > after.
func (s *Store) RemoteEntriesAfter(ctx context.Context, groupID string, after uint64) ([]commitlog.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT log_sequence_id, group_id, commit_sequence_id, last_epoch_authenticator,
		       result, applied_epoch_number, applied_epoch_authenticator
		FROM remote_commit_log
		WHERE group_id = ? AND log_sequence_id > ?
		ORDER BY log_sequence_id ASC
	`, groupID, after)
}

// ForkState returns the group's fork state, nil while unknown.
func (s *Store) ForkState(ctx context.Context, groupID string) (*bool, error) {
	var forked sql.NullBool
	err := s.db.QueryRowContext(ctx, `
		SELECT forked FROM groups WHERE id = ?
	`, groupID).Scan(&forked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fork state of %s: %w", groupID, err)
	}
	if !forked.Valid {
		return nil, nil
	}
	return &forked.Bool, nil
}

// ApplyCommitLogCycle stores downloaded entries, advances cursors and sets
// the fork state in one transaction.
func (s *Store) ApplyCommitLogCycle(ctx context.Context, c commitlog.GroupCycle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range c.Remote {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO remote_commit_log
				(group_id, log_sequence_id, commit_sequence_id, last_epoch_authenticator,
				 result, applied_epoch_number, applied_epoch_authenticator)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, c.GroupID, e.LogSequenceID, e.CommitSequenceID, e.LastEpochAuthenticator,
				e.Result.String(), e.AppliedEpochNumber, e.AppliedEpochAuthenticator)
			if err != nil {
				return fmt.Errorf("store remote entry %d for %s: %w", e.LogSequenceID, c.GroupID, err)
			}
		}
		for kind, position := range c.Cursors {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO commit_log_cursors (group_id, kind, position)
				VALUES (?, ?, ?)
				ON CONFLICT(group_id, kind) DO UPDATE SET position = excluded.position
				WHERE excluded.position > commit_log_cursors.position
			`, c.GroupID, string(kind), position)
			if err != nil {
				return fmt.Errorf("advance %s cursor for %s: %w", kind, c.GroupID, err)
			}
		}
		var forked sql.NullBool
		if c.Forked != nil {
			forked = sql.NullBool{Bool: *c.Forked, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE groups SET forked = ? WHERE id = ?
		`, forked, c.GroupID); err != nil {
			return fmt.Errorf("set fork state of %s: %w", c.GroupID, err)
		}
		return nil
	})
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]commitlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commit log: %w", err)
	}
	defer rows.Close()

	var entries []commitlog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commit log: %w", err)
	}
	return entries, nil
}

func scanEntry(row scanner) (commitlog.Entry, error) {
	var e commitlog.Entry
	var result string
	if err := row.Scan(&e.LogSequenceID, &e.GroupID, &e.CommitSequenceID, &e.LastEpochAuthenticator,
		&result, &e.AppliedEpochNumber, &e.AppliedEpochAuthenticator); err != nil {
		return commitlog.Entry{}, err
	}
	r, err := commitlog.ParseResult(result)
	if err != nil {
		return commitlog.Entry{}, err
	}
	e.Result = r
	return e, nil
}
