package association

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/mlscore/internal/ir"
)

// AssociationState is an immutable snapshot of an inbox's members.
//
// The zero value is not usable; states are created by folding a CreateInbox
// update or by FromSnapshot.
type AssociationState struct {
	inboxID        string
	members        map[MemberIdentifier]Entity
	recovery       MemberIdentifier
	seenEvents     map[string]struct{}
	lastSequenceID uint64
}

// InboxID returns the inbox this state describes.
func (s *AssociationState) InboxID() string { return s.inboxID }

// RecoveryIdentifier returns the identifier holding recovery authority.
func (s *AssociationState) RecoveryIdentifier() MemberIdentifier { return s.recovery }

// LastSequenceID returns the highest sequence id folded into this state.
func (s *AssociationState) LastSequenceID() uint64 { return s.lastSequenceID }

// Get returns the entity for id.
func (s *AssociationState) Get(id MemberIdentifier) (Entity, bool) {
	e, ok := s.members[id]
	return e, ok
}

// IsMember reports whether id currently belongs to the inbox.
func (s *AssociationState) IsMember(id MemberIdentifier) bool {
	_, ok := s.members[id]
	return ok
}

// HasSeen reports whether the event hash was folded into this state.
func (s *AssociationState) HasSeen(eventHash string) bool {
	_, ok := s.seenEvents[eventHash]
	return ok
}

// SeenEvents returns the folded event hashes in sorted order.
func (s *AssociationState) SeenEvents() []string {
	return slices.Sorted(maps.Keys(s.seenEvents))
}

// Members returns every entity sorted by identifier.
func (s *AssociationState) Members() []Entity {
	out := make([]Entity, 0, len(s.members))
	for _, e := range s.members {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entity) int {
		return compareIdentifiers(a.Identifier, b.Identifier)
	})
	return out
}

// Identifiers returns every member identifier sorted.
func (s *AssociationState) Identifiers() []MemberIdentifier {
	return slices.SortedFunc(maps.Keys(s.members), compareIdentifiers)
}

// Installations returns the installation keys of the inbox, sorted.
func (s *AssociationState) Installations() []string {
	var out []string
	for id := range s.members {
		if id.Kind == KindInstallation {
			out = append(out, id.Value)
		}
	}
	slices.Sort(out)
	return out
}

// Canonical returns the IR form of the state used for digests.
func (s *AssociationState) Canonical() ir.IRObject {
	members := make(ir.IRArray, 0, len(s.members))
	for _, e := range s.Members() {
		members = append(members, e.canonical())
	}
	return ir.IRObject{
		"inbox_id":         ir.IRString(s.inboxID),
		"recovery":         s.recovery.canonical(),
		"members":          members,
		"seen_events":      ir.Strings(s.SeenEvents()...),
		"last_sequence_id": ir.Uint64(s.lastSequenceID),
	}
}

// Digest returns a content hash of the whole state. Two installations that
// folded the same prefix report the same digest.
func (s *AssociationState) Digest() string {
	return ir.MustHash(ir.DomainStateDigest, s.Canonical())
}

// clone returns a deep copy used as the draft for the next fold.
func (s *AssociationState) clone() *AssociationState {
	return &AssociationState{
		inboxID:        s.inboxID,
		members:        maps.Clone(s.members),
		recovery:       s.recovery,
		seenEvents:     maps.Clone(s.seenEvents),
		lastSequenceID: s.lastSequenceID,
	}
}

// StateDiff lists identifiers that differ between two states.
type StateDiff struct {
	Added   []MemberIdentifier
	Removed []MemberIdentifier
}

// Empty reports whether the diff has no changes.
func (d StateDiff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// Diff returns the members present in next but not in s (Added) and present
// in s but not in next (Removed). A nil receiver is treated as empty.
func (s *AssociationState) Diff(next *AssociationState) StateDiff {
	var d StateDiff
	var before, after map[MemberIdentifier]Entity
	if s != nil {
		before = s.members
	}
	if next != nil {
		after = next.members
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.SortFunc(d.Added, compareIdentifiers)
	slices.SortFunc(d.Removed, compareIdentifiers)
	return d
}

// Snapshot is the serializable form of an AssociationState.
type Snapshot struct {
	InboxID        string           `json:"inbox_id"`
	Recovery       MemberIdentifier `json:"recovery"`
	Members        []SnapshotEntity `json:"members"`
	SeenEvents     []string         `json:"seen_events"`
	LastSequenceID uint64           `json:"last_sequence_id"`
}

// SnapshotEntity is the serializable form of an Entity.
type SnapshotEntity struct {
	Identifier        MemberIdentifier  `json:"identifier"`
	AddedBy           *MemberIdentifier `json:"added_by,omitempty"`
	ClientTimestampNs uint64            `json:"client_timestamp_ns"`
}

// Snapshot returns the state in serializable form.
func (s *AssociationState) Snapshot() Snapshot {
	snap := Snapshot{
		InboxID:        s.inboxID,
		Recovery:       s.recovery,
		SeenEvents:     s.SeenEvents(),
		LastSequenceID: s.lastSequenceID,
	}
	for _, e := range s.Members() {
		snap.Members = append(snap.Members, SnapshotEntity{
			Identifier:        e.Identifier,
			AddedBy:           e.AddedBy,
			ClientTimestampNs: e.ClientTimestampNs,
		})
	}
	return snap
}

// FromSnapshot rebuilds a state. The recovery identifier must be a member.
func FromSnapshot(snap Snapshot) (*AssociationState, error) {
	if snap.InboxID == "" {
		return nil, fmt.Errorf("restore snapshot: empty inbox id")
	}
	s := &AssociationState{
		inboxID:        snap.InboxID,
		members:        make(map[MemberIdentifier]Entity, len(snap.Members)),
		recovery:       snap.Recovery,
		seenEvents:     make(map[string]struct{}, len(snap.SeenEvents)),
		lastSequenceID: snap.LastSequenceID,
	}
	for _, m := range snap.Members {
		if !m.Identifier.Valid() {
			return nil, fmt.Errorf("restore snapshot %s: invalid member %q", snap.InboxID, m.Identifier)
		}
		s.members[m.Identifier] = Entity{
			Identifier:        m.Identifier,
			Role:              m.Identifier.Role(),
			AddedBy:           m.AddedBy,
			ClientTimestampNs: m.ClientTimestampNs,
		}
	}
	for _, h := range snap.SeenEvents {
		s.seenEvents[h] = struct{}{}
	}
	if !s.IsMember(s.recovery) {
		return nil, fmt.Errorf("restore snapshot %s: recovery %q is not a member", snap.InboxID, s.recovery)
	}
	return s, nil
}
