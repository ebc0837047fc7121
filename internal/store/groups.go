package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/mlscore/internal/membership"
)

// SaveGroup inserts or replaces a group record. The fork state is kept when
// the group already exists.
func (s *Store) SaveGroup(ctx context.Context, g membership.Group) error {
	membershipJSON, err := json.Marshal(g.Membership)
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.ID, err)
	}
	var lists [3]string
	for i, l := range [][]string{g.Installations, g.SuperAdmins, g.DMMembers} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("save group %s: %w", g.ID, err)
		}
		lists[i] = string(b)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (id, epoch, active, membership, installations,
		                    super_admins, dm_members, publish_commit_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			epoch = excluded.epoch,
			active = excluded.active,
			membership = excluded.membership,
			installations = excluded.installations,
			super_admins = excluded.super_admins,
			dm_members = excluded.dm_members,
			publish_commit_log = excluded.publish_commit_log
	`, g.ID, g.Epoch, g.Active, string(membershipJSON), lists[0], lists[1], lists[2], g.Publish)
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.ID, err)
	}
	return nil
}

// SetGroupEpoch records the epoch a group reached. Epochs never go back.
func (s *Store) SetGroupEpoch(ctx context.Context, groupID string, epoch uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE groups SET epoch = ? WHERE id = ? AND epoch < ?
	`, epoch, groupID, epoch)
	if err != nil {
		return fmt.Errorf("set epoch of group %s: %w", groupID, err)
	}
	return nil
}

// Group returns a group record. The boolean is false when the group is
// unknown.
func (s *Store) Group(ctx context.Context, groupID string) (membership.Group, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+groupColumns+`
		FROM groups WHERE id = ?
	`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Group{}, false, nil
	}
	if err != nil {
		return membership.Group{}, false, fmt.Errorf("read group %s: %w", groupID, err)
	}
	return g, true, nil
}

// Groups returns every group record ordered by id.
func (s *Store) Groups(ctx context.Context) ([]membership.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+`
		FROM groups ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []membership.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const groupColumns = `id, epoch, active, membership, installations,
	super_admins, dm_members, publish_commit_log`

func scanGroup(row scanner) (membership.Group, error) {
	var g membership.Group
	var membershipJSON, installationsJSON, superAdminsJSON, dmJSON string
	if err := row.Scan(&g.ID, &g.Epoch, &g.Active, &membershipJSON, &installationsJSON,
		&superAdminsJSON, &dmJSON, &g.Publish); err != nil {
		return membership.Group{}, err
	}
	if err := json.Unmarshal([]byte(membershipJSON), &g.Membership); err != nil {
		return membership.Group{}, fmt.Errorf("decode membership of group %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(installationsJSON), &g.Installations); err != nil {
		return membership.Group{}, fmt.Errorf("decode installations of group %s: %w", g.ID, err)
	}
	var err error
	if g.SuperAdmins, err = decodeInboxList(superAdminsJSON); err != nil {
		return membership.Group{}, fmt.Errorf("decode super admins of group %s: %w", g.ID, err)
	}
	if g.DMMembers, err = decodeInboxList(dmJSON); err != nil {
		return membership.Group{}, fmt.Errorf("decode dm members of group %s: %w", g.ID, err)
	}
	return g, nil
}

// decodeInboxList decodes a JSON array of inbox ids. An empty array is nil.
func decodeInboxList(data string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}
