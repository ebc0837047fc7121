package cursor

import (
	"maps"
	"slices"
)

// Tracker holds the local GlobalCursor of every topic an installation follows.
//
// Tracker is owned by a single writer (the ingestion loop) and is not safe for
// concurrent use.
type Tracker struct {
	topics map[string]GlobalCursor
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{topics: make(map[string]GlobalCursor)}
}

// Restore seeds a topic with a persisted cursor, merging with what is held.
func (t *Tracker) Restore(topic string, g GlobalCursor) {
	t.topics[topic] = t.topics[topic].Merge(g)
}

// Cursor returns a copy of the topic's cursor.
func (t *Tracker) Cursor(topic string) GlobalCursor {
	return t.topics[topic].Clone()
}

// Topics returns the tracked topics in sorted order.
func (t *Tracker) Topics() []string {
	return slices.Sorted(maps.Keys(t.topics))
}

// Admit runs Admit against the topic's cursor.
func (t *Tracker) Admit(topic string, c Cursor, dependsOn GlobalCursor) Admission {
	return Admit(t.topics[topic], c, dependsOn)
}

// Advance records a Ready envelope and returns the topic's new cursor.
func (t *Tracker) Advance(topic string, c Cursor, dependsOn GlobalCursor) GlobalCursor {
	next := Advance(t.topics[topic], c, dependsOn)
	t.topics[topic] = next
	return next.Clone()
}

// LowestCommon returns LowestCommon over the given topics. Unknown topics are
// ignored.
func (t *Tracker) LowestCommon(topics ...string) GlobalCursor {
	cursors := make([]GlobalCursor, 0, len(topics))
	for _, topic := range topics {
		if g, ok := t.topics[topic]; ok {
			cursors = append(cursors, g)
		}
	}
	return LowestCommon(cursors...)
}
