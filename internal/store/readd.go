package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/mlscore/internal/commitlog"
)

// awaiting is the SQL form of commitlog.ReaddStatus.Awaiting.
const awaiting = `requested_at_sequence_id IS NOT NULL
	AND requested_at_sequence_id >= COALESCE(responded_at_sequence_id, 0)`

// ForkedGroups lists active groups known to be forked, with the highest
// stored remote commit sequence id of each.
func (s *Store) ForkedGroups(ctx context.Context) ([]commitlog.ForkedGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, MAX(r.commit_sequence_id)
		FROM groups g
		LEFT JOIN remote_commit_log r ON r.group_id = g.id
		WHERE g.active = 1 AND g.forked = 1
		GROUP BY g.id
		ORDER BY g.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query forked groups: %w", err)
	}
	defer rows.Close()

	var groups []commitlog.ForkedGroup
	for rows.Next() {
		var g commitlog.ForkedGroup
		var latest sql.NullInt64
		if err := rows.Scan(&g.ID, &latest); err != nil {
			return nil, fmt.Errorf("scan forked group: %w", err)
		}
		g.LatestCommitSequenceID = nullPosition(latest)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forked groups: %w", err)
	}
	return groups, nil
}

// RecoveryGroup returns the parts of a group record fork recovery needs.
func (s *Store) RecoveryGroup(ctx context.Context, groupID string) (commitlog.RecoveryGroup, bool, error) {
	g, ok, err := s.Group(ctx, groupID)
	if err != nil || !ok {
		return commitlog.RecoveryGroup{}, ok, err
	}
	forked, err := s.ForkState(ctx, groupID)
	if err != nil {
		return commitlog.RecoveryGroup{}, false, err
	}
	return commitlog.RecoveryGroup{
		ID:            g.ID,
		Active:        g.Active,
		SuperAdmins:   g.SuperAdmins,
		DMMembers:     g.DMMembers,
		Installations: g.Installations,
		Forked:        forked,
	}, true, nil
}

// ReaddStatus returns an installation's readd status in a group, nil if it
// never asked.
func (s *Store) ReaddStatus(ctx context.Context, groupID, installationID string) (*commitlog.ReaddStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, inbox_id, installation_id,
		       requested_at_sequence_id, responded_at_sequence_id
		FROM readd_status WHERE group_id = ? AND installation_id = ?
	`, groupID, installationID)
	st, err := scanReaddStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read readd status of %s in %s: %w", installationID, groupID, err)
	}
	return &st, nil
}

// MarkReaddRequested records a request at seq unless a later one is stored.
func (s *Store) MarkReaddRequested(ctx context.Context, groupID, inboxID, installationID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readd_status (group_id, inbox_id, installation_id, requested_at_sequence_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, installation_id) DO UPDATE SET
			inbox_id = excluded.inbox_id,
			requested_at_sequence_id = excluded.requested_at_sequence_id
		WHERE readd_status.requested_at_sequence_id IS NULL
		   OR readd_status.requested_at_sequence_id < excluded.requested_at_sequence_id
	`, groupID, inboxID, installationID, seq)
	if err != nil {
		return fmt.Errorf("mark readd requested for %s in %s: %w", installationID, groupID, err)
	}
	return nil
}

// MarkReaddResponded records a response at seq unless a later one is stored.
func (s *Store) MarkReaddResponded(ctx context.Context, groupID, inboxID, installationID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readd_status (group_id, inbox_id, installation_id, responded_at_sequence_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, installation_id) DO UPDATE SET
			responded_at_sequence_id = excluded.responded_at_sequence_id
		WHERE readd_status.responded_at_sequence_id IS NULL
		   OR readd_status.responded_at_sequence_id < excluded.responded_at_sequence_id
	`, groupID, inboxID, installationID, seq)
	if err != nil {
		return fmt.Errorf("mark readd responded for %s in %s: %w", installationID, groupID, err)
	}
	return nil
}

// AnswerOwnReadd marks this installation's own request in a group answered
// and forgets the group's fork state, so the rejoined group is checked from
// scratch. The readd commit comes after the position the request was made
// at. It is a no-op when there is no request awaiting.
func (s *Store) AnswerOwnReadd(ctx context.Context, groupID, installationID string) error {
	if installationID == "" {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE readd_status SET responded_at_sequence_id = requested_at_sequence_id + 1
			WHERE group_id = ? AND installation_id = ? AND `+awaiting,
			groupID, installationID)
		if err != nil {
			return fmt.Errorf("answer own readd in %s: %w", groupID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE groups SET forked = NULL WHERE id = ?
		`, groupID); err != nil {
			return fmt.Errorf("reset fork state of %s: %w", groupID, err)
		}
		return nil
	})
}

// GroupsAwaitingReadd lists groups where an installation other than self is
// waiting for a readd.
func (s *Store) GroupsAwaitingReadd(ctx context.Context, self string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM readd_status
		WHERE installation_id != ? AND `+awaiting+`
		ORDER BY group_id COLLATE BINARY ASC
	`, self)
	if err != nil {
		return nil, fmt.Errorf("query groups awaiting readd: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group awaiting readd: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups awaiting readd: %w", err)
	}
	return ids, nil
}

// ReaddsAwaitingResponse lists a group's unanswered requests from
// installations other than self, ordered by installation.
func (s *Store) ReaddsAwaitingResponse(ctx context.Context, groupID, self string) ([]commitlog.ReaddStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, inbox_id, installation_id,
		       requested_at_sequence_id, responded_at_sequence_id
		FROM readd_status
		WHERE group_id = ? AND installation_id != ? AND `+awaiting+`
		ORDER BY installation_id COLLATE BINARY ASC
	`, groupID, self)
	if err != nil {
		return nil, fmt.Errorf("query readds awaiting response in %s: %w", groupID, err)
	}
	defer rows.Close()

	var statuses []commitlog.ReaddStatus
	for rows.Next() {
		st, err := scanReaddStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan readd status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readd statuses: %w", err)
	}
	return statuses, nil
}

// DeleteReaddStatuses forgets the given installations' requests in a group.
func (s *Store) DeleteReaddStatuses(ctx context.Context, groupID string, installations []string) error {
	if len(installations) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range installations {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM readd_status WHERE group_id = ? AND installation_id = ?
			`, groupID, id); err != nil {
				return fmt.Errorf("delete readd status of %s in %s: %w", id, groupID, err)
			}
		}
		return nil
	})
}

// DeleteOtherReaddStatuses forgets every request in a group except self's.
func (s *Store) DeleteOtherReaddStatuses(ctx context.Context, groupID, self string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM readd_status WHERE group_id = ? AND installation_id != ?
	`, groupID, self)
	if err != nil {
		return fmt.Errorf("delete readd statuses in %s: %w", groupID, err)
	}
	return nil
}

func scanReaddStatus(row scanner) (commitlog.ReaddStatus, error) {
	var st commitlog.ReaddStatus
	var requested, responded sql.NullInt64
	if err := row.Scan(&st.GroupID, &st.InboxID, &st.InstallationID, &requested, &responded); err != nil {
		return commitlog.ReaddStatus{}, err
	}
	st.RequestedAt = nullPosition(requested)
	st.RespondedAt = nullPosition(responded)
	return st, nil
}

func nullPosition(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}
