package api

import (
	"fmt"

	"github.com/roach88/mlscore/internal/cursor"
)

// Originator ids used by the centralized backend. Identity and welcome
// topics have one originator each; group topics sequence commits and
// application messages separately.
const (
	OriginatorMLSCommits          uint32 = 0
	OriginatorInboxLog            uint32 = 1
	OriginatorApplicationMessages uint32 = 10
	OriginatorWelcomeMessages     uint32 = 11
)

// Backend is the network flavor a Client talks to: Centralized or
// Decentralized.
type Backend interface {
	Name() string
	// filter rewrites a subscription for this backend.
	filter(f TopicFilter) TopicFilter
	// normalize rewrites a received envelope for this backend.
	normalize(e Envelope) Envelope
}

// Centralized is the single-operator backend. Envelopes are ordered per topic
// by the server and carry no dependencies.
type Centralized struct{}

// Decentralized is the multi-originator backend. Every relay node is an
// originator and envelopes declare their dependencies.
type Decentralized struct{}

func (Centralized) Name() string   { return "centralized" }
func (Decentralized) Name() string { return "decentralized" }

// TopicOriginators returns the originators a centralized topic is served by.
func TopicOriginators(kind TopicKind) []uint32 {
	switch kind {
	case TopicIdentityUpdates:
		return []uint32{OriginatorInboxLog}
	case TopicWelcomeMessages:
		return []uint32{OriginatorWelcomeMessages}
	default:
		return []uint32{OriginatorMLSCommits, OriginatorApplicationMessages}
	}
}

// GroupMessageOriginator returns the centralized originator of a group
// message.
func GroupMessageOriginator(commit bool) uint32 {
	if commit {
		return OriginatorMLSCommits
	}
	return OriginatorApplicationMessages
}

func (Centralized) filter(f TopicFilter) TopicFilter {
	if f.LastSeen == nil {
		return f
	}
	last := cursor.GlobalCursor{}
	for _, o := range TopicOriginators(f.Topic.Kind) {
		if seq := f.LastSeen.Get(o); seq > 0 {
			last[o] = seq
		}
	}
	return TopicFilter{Topic: f.Topic, LastSeen: last}
}

func (Centralized) normalize(e Envelope) Envelope {
	e.DependsOn = nil
	return e
}

func (Decentralized) filter(f TopicFilter) TopicFilter { return f }
func (Decentralized) normalize(e Envelope) Envelope  { return e }

// ParseBackend maps a config string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "centralized":
		return Centralized{}, nil
	case "decentralized":
		return Decentralized{}, nil
	default:
		return nil, fmt.Errorf("unknown api backend %q", s)
	}
}
