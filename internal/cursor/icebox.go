package cursor

import (
	"maps"
	"slices"
)

// Orphan is an envelope parked until its dependencies arrive.
type Orphan[T any] struct {
	Topic     string
	Cursor    Cursor
	DependsOn GlobalCursor
	Item      T
}

// Icebox parks Blocked envelopes per topic.
// Like Tracker it belongs to a single writer.
type Icebox[T any] struct {
	topics map[string]map[Cursor]Orphan[T]
}

// NewIcebox creates an empty icebox.
func NewIcebox[T any]() *Icebox[T] {
	return &Icebox[T]{topics: make(map[string]map[Cursor]Orphan[T])}
}

// Ice parks an orphan. Icing the same (topic, cursor) twice keeps the first.
func (b *Icebox[T]) Ice(o Orphan[T]) bool {
	byCursor, ok := b.topics[o.Topic]
	if !ok {
		byCursor = make(map[Cursor]Orphan[T])
		b.topics[o.Topic] = byCursor
	}
	if _, exists := byCursor[o.Cursor]; exists {
		return false
	}
	byCursor[o.Cursor] = o
	return true
}

// Len returns the number of parked orphans across all topics.
func (b *Icebox[T]) Len() int {
	n := 0
	for _, byCursor := range b.topics {
		n += len(byCursor)
	}
	return n
}

// Orphans returns the topic's orphans ordered by cursor.
func (b *Icebox[T]) Orphans(topic string) []Orphan[T] {
	byCursor := b.topics[topic]
	out := make([]Orphan[T], 0, len(byCursor))
	for _, c := range slices.SortedFunc(maps.Keys(byCursor), Compare) {
		out = append(out, byCursor[c])
	}
	return out
}

// Release removes and returns every orphan of topic that becomes Ready on top
// of local, transitively: releasing one orphan advances the cursor, which may
// release its children. Orphans that turn out to be duplicates or invalid
// are dropped.
//
// The released orphans are returned in application order together with the
// advanced cursor. local is not modified.
func (b *Icebox[T]) Release(topic string, local GlobalCursor) ([]Orphan[T], GlobalCursor) {
	cur := local.Clone()
	byCursor := b.topics[topic]
	var released []Orphan[T]
	for progress := true; progress && len(byCursor) > 0; {
		progress = false
		for _, c := range slices.SortedFunc(maps.Keys(byCursor), Compare) {
			o := byCursor[c]
			switch Admit(cur, o.Cursor, o.DependsOn).Outcome {
			case Ready:
				cur = Advance(cur, o.Cursor, o.DependsOn)
				released = append(released, o)
				delete(byCursor, c)
				progress = true
			case Duplicate, Invalid:
				delete(byCursor, c)
			}
		}
	}
	if len(byCursor) == 0 {
		delete(b.topics, topic)
	}
	return released, cur
}
