package membership

import (
	"maps"
	"slices"
)

// GroupMembership is a group's membership extension: the identity-log
// sequence id each member inbox was resolved at, plus installations the
// group creator could not reach.
type GroupMembership struct {
	Members             map[string]uint64 `json:"members"`
	FailedInstallations []string          `json:"failed_installations,omitempty"`
}

// InboxIDs returns the member inbox ids in sorted order.
func (m GroupMembership) InboxIDs() []string {
	return slices.Sorted(maps.Keys(m.Members))
}

// Welcome is an invitation into a group as read from the external MLS group
// object. Installations are the installation keys in the group's tree.
// DMMembers holds the two inbox ids of a DM and is empty for other groups.
type Welcome struct {
	GroupID       string          `json:"group_id"`
	Epoch         uint64          `json:"epoch"`
	Membership    GroupMembership `json:"membership"`
	Installations []string        `json:"installations"`
	SuperAdmins   []string        `json:"super_admins,omitempty"`
	DMMembers     []string        `json:"dm_members,omitempty"`
}

// Join returns the group record for inboxID accepting the welcome.
func (w Welcome) Join(inboxID string) Group {
	return Group{
		ID:            w.GroupID,
		Epoch:         w.Epoch,
		Active:        true,
		Membership:    w.Membership,
		Installations: w.Installations,
		SuperAdmins:   w.SuperAdmins,
		DMMembers:     w.DMMembers,
		Publish:       PublishesCommitLog(w.SuperAdmins, w.DMMembers, inboxID),
	}
}

// PublishesCommitLog reports whether inboxID publishes a group's commit log:
// super admins do, and so does either member of a DM.
func PublishesCommitLog(superAdmins, dmMembers []string, inboxID string) bool {
	if inboxID == "" {
		return false
	}
	return slices.Contains(superAdmins, inboxID) || slices.Contains(dmMembers, inboxID)
}

// Group is the local record of a group this installation belongs to.
// Publish is set when this installation publishes the group's commit log.
type Group struct {
	ID            string
	Epoch         uint64
	Active        bool
	Membership    GroupMembership
	Installations []string
	SuperAdmins   []string
	DMMembers     []string
	Publish       bool
}

// InstallationSet is a set of installation keys.
type InstallationSet map[string]struct{}

// NewInstallationSet builds a set from keys.
func NewInstallationSet(keys ...string) InstallationSet {
	s := make(InstallationSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is in the set.
func (s InstallationSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Sorted returns the keys in sorted order.
func (s InstallationSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Minus returns the keys of s that are not in other.
func (s InstallationSet) Minus(other InstallationSet) InstallationSet {
	out := make(InstallationSet, len(s))
	for k := range s {
		if !other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// ExpectedMembership is the union of installations of every member inbox at
// its recorded sequence id, together with the declared failed installations.
type ExpectedMembership struct {
	Installations InstallationSet
	Failed        InstallationSet
}

// Validate checks that actual equals the expected installations minus the
// failed ones. Over- and under-membership are both invalid.
func Validate(expected ExpectedMembership, actual InstallationSet) error {
	want := expected.Installations.Minus(expected.Failed)
	unexpected := actual.Minus(want)
	missing := want.Minus(actual)
	if len(unexpected) == 0 && len(missing) == 0 {
		return nil
	}
	return &GroupError{
		Code:       ErrCodeInvalidGroupMembership,
		Message:    "actual installations do not match membership",
		Unexpected: unexpected.Sorted(),
		Missing:    missing.Sorted(),
	}
}
