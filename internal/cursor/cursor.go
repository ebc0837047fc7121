package cursor

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Cursor is a position in one originator's sequence.
type Cursor struct {
	OriginatorID uint32 `json:"originator_id"`
	SequenceID   uint64 `json:"sequence_id"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.OriginatorID, c.SequenceID)
}

// Compare orders cursors by originator then sequence id.
func Compare(a, b Cursor) int {
	if a.OriginatorID != b.OriginatorID {
		if a.OriginatorID < b.OriginatorID {
			return -1
		}
		return 1
	}
	switch {
	case a.SequenceID < b.SequenceID:
		return -1
	case a.SequenceID > b.SequenceID:
		return 1
	}
	return 0
}

// GlobalCursor is a vector clock: the highest sequence id seen per originator.
// A missing originator reads as 0.
//
// Methods never modify the receiver; Merge and Apply return new values.
type GlobalCursor map[uint32]uint64

// Get returns the sequence id for originator, 0 if unseen.
func (g GlobalCursor) Get(originator uint32) uint64 {
	return g[originator]
}

// Cursor returns the position for originator as a Cursor.
func (g GlobalCursor) Cursor(originator uint32) Cursor {
	return Cursor{OriginatorID: originator, SequenceID: g[originator]}
}

// Clone returns an independent copy. Cloning nil yields an empty cursor.
func (g GlobalCursor) Clone() GlobalCursor {
	out := make(GlobalCursor, len(g))
	maps.Copy(out, g)
	return out
}

// Merge returns the per-originator maximum of g and other.
// Merge is commutative, associative and idempotent.
func (g GlobalCursor) Merge(other GlobalCursor) GlobalCursor {
	out := g.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Apply returns g advanced to include c.
func (g GlobalCursor) Apply(c Cursor) GlobalCursor {
	out := g.Clone()
	if c.SequenceID > out[c.OriginatorID] {
		out[c.OriginatorID] = c.SequenceID
	}
	return out
}

// HasSeen reports whether c is at or below g's position for its originator.
func (g GlobalCursor) HasSeen(c Cursor) bool {
	return c.SequenceID <= g[c.OriginatorID]
}

// Dominates reports whether g has seen every position in other.
func (g GlobalCursor) Dominates(other GlobalCursor) bool {
	for k, v := range other {
		if g[k] < v {
			return false
		}
	}
	return true
}

// Equal compares two cursors, treating explicit zero entries as absent.
func (g GlobalCursor) Equal(other GlobalCursor) bool {
	return g.Dominates(other) && other.Dominates(g)
}

// Max returns the highest sequence id across all originators.
func (g GlobalCursor) Max() uint64 {
	var m uint64
	for _, v := range g {
		m = max(m, v)
	}
	return m
}

// Originators returns the originator ids in ascending order.
func (g GlobalCursor) Originators() []uint32 {
	return slices.Sorted(maps.Keys(g))
}

// Cursors returns every entry as a Cursor, ordered by originator.
func (g GlobalCursor) Cursors() []Cursor {
	out := make([]Cursor, 0, len(g))
	for _, k := range g.Originators() {
		out = append(out, Cursor{OriginatorID: k, SequenceID: g[k]})
	}
	return out
}

// String renders "{1:5, 2:3}" with originators in ascending order.
func (g GlobalCursor) String() string {
	parts := make([]string, 0, len(g))
	for _, c := range g.Cursors() {
		parts = append(parts, c.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// LowestCommon returns, per originator, the minimum sequence id among the
// cursors that mention it. Subscribing from this position across several
// topics never skips an envelope any of them still needs.
func LowestCommon(cursors ...GlobalCursor) GlobalCursor {
	out := GlobalCursor{}
	for _, g := range cursors {
		for k, v := range g {
			if cur, ok := out[k]; !ok || v < cur {
				out[k] = v
			}
		}
	}
	return out
}
