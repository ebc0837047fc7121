// Package commitlog audits local group state against a remote commit log.
//
// Every installation records the outcome of each commit it processes in a
// local commit log. Group admins publish their local log to a shared remote
// log. The worker in this package downloads the remote log, compares it with
// the local one to detect forks, and publishes new local entries.
package commitlog

import (
	"bytes"
	"fmt"
)

// Result is the outcome of processing one commit.
type Result int

const (
	ResultUnspecified Result = iota
	ResultSuccess
	ResultWrongEpoch
	ResultUndecryptable
	ResultInvalid
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultWrongEpoch:
		return "wrong_epoch"
	case ResultUndecryptable:
		return "undecryptable"
	case ResultInvalid:
		return "invalid"
	default:
		return "unspecified"
	}
}

// ParseResult is the inverse of Result.String.
func ParseResult(s string) (Result, error) {
	for r := ResultUnspecified; r <= ResultInvalid; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return ResultUnspecified, fmt.Errorf("unknown commit result %q", s)
}

// Entry is one commit log record.
//
// For remote entries LogSequenceID is the remote log's sequence id. For local
// entries it is the local row id, which orders entries by insertion.
type Entry struct {
	LogSequenceID             uint64 `json:"log_sequence_id"`
	GroupID                   string `json:"group_id"`
	CommitSequenceID          uint64 `json:"commit_sequence_id"`
	LastEpochAuthenticator    []byte `json:"last_epoch_authenticator,omitempty"`
	Result                    Result `json:"result"`
	AppliedEpochNumber        uint64 `json:"applied_epoch_number"`
	AppliedEpochAuthenticator []byte `json:"applied_epoch_authenticator"`
}

// Applied reports whether the commit was successfully applied.
func (e Entry) Applied() bool { return e.Result == ResultSuccess }

// ShouldSkipRemote reports whether a downloaded entry must not be stored.
// latest is the most recently stored remote entry for the group, nil if none.
//
// An entry is skipped when
//   - it belongs to another group or has commit sequence id 0,
//   - its commit sequence id does not increase on latest,
//   - it is applied but does not chain from latest's authenticator or does
//     not advance the epoch by exactly one,
//   - it is not applied but changes the epoch number or authenticator.
func ShouldSkipRemote(groupID string, latest *Entry, e Entry) bool {
	if e.GroupID != groupID || e.CommitSequenceID == 0 {
		return true
	}
	if latest == nil {
		return false
	}
	if e.CommitSequenceID <= latest.CommitSequenceID {
		return true
	}
	if e.Applied() {
		if len(latest.AppliedEpochAuthenticator) > 0 &&
			!bytes.Equal(e.LastEpochAuthenticator, latest.AppliedEpochAuthenticator) {
			return true
		}
		return e.AppliedEpochNumber != latest.AppliedEpochNumber+1
	}
	return !bytes.Equal(e.AppliedEpochAuthenticator, latest.AppliedEpochAuthenticator) ||
		e.AppliedEpochNumber != latest.AppliedEpochNumber
}

// ForkCheck is the outcome of comparing new local entries with remote ones.
type ForkCheck struct {
	// Forked is true on an authenticator mismatch, false when the newest
	// local entry matched, nil when unknown.
	Forked *bool
	// Matched is set when a local entry found its remote counterpart. The
	// fork-check cursors advance to these positions.
	Matched      bool
	LocalCursor  uint64
	RemoteCursor uint64
}

// CheckFork compares local entries (newer than the local fork-check cursor)
// with remote entries (newer than the remote fork-check cursor). Both slices
// are in ascending LogSequenceID order.
//
// Local entries are examined newest first. The first one with a remote entry
// of the same commit sequence id decides: a different applied authenticator
// means forked; a match means not forked if it was the newest local entry,
// and unknown otherwise, since newer local commits are still unverified.
// previous is returned unchanged when there are no new local entries.
func CheckFork(local, remote []Entry, previous *bool) ForkCheck {
	if len(local) == 0 {
		return ForkCheck{Forked: previous}
	}
	upToDate := true
	for i := len(local) - 1; i >= 0; i-- {
		l := local[i]
		r, ok := findRemote(remote, l.CommitSequenceID)
		if !ok {
			upToDate = false
			continue
		}
		check := ForkCheck{Matched: true, LocalCursor: l.LogSequenceID, RemoteCursor: r.LogSequenceID}
		switch {
		case !bytes.Equal(l.AppliedEpochAuthenticator, r.AppliedEpochAuthenticator):
			check.Forked = ptr(true)
		case upToDate:
			check.Forked = ptr(false)
		}
		return check
	}
	return ForkCheck{}
}

func findRemote(remote []Entry, commitSequenceID uint64) (Entry, bool) {
	for i := len(remote) - 1; i >= 0; i-- {
		if remote[i].CommitSequenceID == commitSequenceID {
			return remote[i], true
		}
	}
	return Entry{}, false
}

func ptr[T any](v T) *T { return &v }
