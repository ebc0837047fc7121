// Package api defines the network collaborators of the consistency core and a
// client that talks to them through either backend.
//
// The transport itself (gRPC, HTTP) is out of scope: anything implementing
// Transport can be wrapped. apitest provides an in-memory network.
package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/membership"
)

// TopicKind discriminates topics.
type TopicKind int

const (
	TopicIdentityUpdates TopicKind = iota + 1
	TopicGroupMessages
	TopicWelcomeMessages
)

func (k TopicKind) String() string {
	switch k {
	case TopicIdentityUpdates:
		return "identity"
	case TopicGroupMessages:
		return "group"
	case TopicWelcomeMessages:
		return "welcome"
	default:
		return "unknown"
	}
}

// Topic is a subscribable stream: an inbox's identity log, a group's
// messages, or an installation's welcomes.
type Topic struct {
	Kind TopicKind
	ID   string
}

func IdentityTopic(inboxID string) Topic        { return Topic{Kind: TopicIdentityUpdates, ID: inboxID} }
func GroupTopic(groupID string) Topic           { return Topic{Kind: TopicGroupMessages, ID: groupID} }
func WelcomeTopic(installationKey string) Topic { return Topic{Kind: TopicWelcomeMessages, ID: installationKey} }

// String renders "kind/id". It is the key cursors are persisted under.
func (t Topic) String() string {
	return t.Kind.String() + "/" + t.ID
}

// ParseTopic parses the String form.
func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return Topic{}, fmt.Errorf("parse topic %q: missing id", s)
	}
	for k := TopicIdentityUpdates; k <= TopicWelcomeMessages; k++ {
		if k.String() == kind {
			return Topic{Kind: k, ID: id}, nil
		}
	}
	return Topic{}, fmt.Errorf("parse topic %q: unknown kind", s)
}

// TopicFilter subscribes to a topic from a known position. A nil LastSeen
// subscribes from the beginning.
type TopicFilter struct {
	Topic    Topic
	LastSeen cursor.GlobalCursor
}

// Payload is the content of an envelope. The set of payloads is closed.
type Payload interface {
	payload()
}

// IdentityUpdatePayload carries a verified identity update.
type IdentityUpdatePayload struct {
	Update association.IdentityUpdate
}

// GroupMessagePayload carries a group message as processed by the MLS layer.
// Commit is set when the message was a commit; it records the outcome for
// the local commit log.
type GroupMessagePayload struct {
	GroupID string
	Data    []byte
	Commit  *commitlog.Entry
}

// WelcomePayload carries a decrypted welcome.
type WelcomePayload struct {
	Welcome membership.Welcome
}

// ReaddRequestPayload carries a readd request from an installation whose
// copy of a group forked. It arrives on the recipient's welcome topic.
type ReaddRequestPayload struct {
	Request        commitlog.ReaddRequest
	InboxID        string
	InstallationID string
}

func (IdentityUpdatePayload) payload() {}
func (GroupMessagePayload) payload()   {}
func (WelcomePayload) payload()        {}
func (ReaddRequestPayload) payload()   {}

// Envelope is the unit of delivery: the payload, the position its originator
// assigned, and the positions its author had seen.
type Envelope struct {
	Topic     Topic
	Cursor    cursor.Cursor
	DependsOn cursor.GlobalCursor
	Payload   Payload
}

// IdentityAPI fetches identity updates. Updates with sequence id > after are
// returned in ascending order.
type IdentityAPI interface {
	GetIdentityUpdates(ctx context.Context, inboxID string, after uint64) ([]association.IdentityUpdate, error)
}

// EnvelopeAPI streams envelopes. The channel is closed when ctx is done.
type EnvelopeAPI interface {
	Subscribe(ctx context.Context, filters []TopicFilter) (<-chan Envelope, error)
}

// CommitLogAPI reads and writes the remote commit log.
type CommitLogAPI interface {
	PublishCommitLog(ctx context.Context, entries []commitlog.Entry) error
	FetchRemoteCommitLog(ctx context.Context, groupID string, after uint64) ([]commitlog.Entry, error)
}

// ReaddAPI carries fork recovery traffic. It matches commitlog.Readder.
type ReaddAPI interface {
	SendReaddRequest(ctx context.Context, req commitlog.ReaddRequest, recipients []string) error
	ReaddInstallations(ctx context.Context, groupID string, installations []string) (uint64, error)
}

// Transport is everything the core needs from the network.
type Transport interface {
	IdentityAPI
	EnvelopeAPI
	CommitLogAPI
	ReaddAPI
}
