package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerTopicsAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.Advance("a", Cursor{1, 1}, nil)
	tr.Advance("b", Cursor{2, 1}, nil)

	assert.Equal(t, GlobalCursor{1: 1}, tr.Cursor("a"))
	assert.Equal(t, GlobalCursor{2: 1}, tr.Cursor("b"))
	assert.Equal(t, GlobalCursor{}, tr.Cursor("missing"))
	assert.Equal(t, []string{"a", "b"}, tr.Topics())
}

func TestTrackerRestoreMerges(t *testing.T) {
	tr := NewTracker()
	tr.Advance("a", Cursor{1, 1}, nil)
	tr.Restore("a", GlobalCursor{1: 0, 2: 7})

	assert.Equal(t, GlobalCursor{1: 1, 2: 7}, tr.Cursor("a"))
	assert.Equal(t, Ready, tr.Admit("a", Cursor{2, 8}, nil).Outcome)
}

func TestTrackerCursorIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Advance("a", Cursor{1, 1}, nil)
	g := tr.Cursor("a")
	g[1] = 99
	assert.Equal(t, uint64(1), tr.Cursor("a").Get(1))
}

func TestTrackerLowestCommon(t *testing.T) {
	tr := NewTracker()
	tr.Restore("a", GlobalCursor{1: 10})
	tr.Restore("b", GlobalCursor{1: 5})
	assert.Equal(t, GlobalCursor{1: 5}, tr.LowestCommon("a", "b", "not-found"))
}

func TestIceboxReleasesTransitively(t *testing.T) {
	box := NewIcebox[string]()
	// Arrival order: 4, 3, 2 while local is at 1.
	require.True(t, box.Ice(Orphan[string]{Topic: "g", Cursor: Cursor{1, 4}, Item: "four"}))
	require.True(t, box.Ice(Orphan[string]{Topic: "g", Cursor: Cursor{1, 3}, Item: "three"}))
	require.True(t, box.Ice(Orphan[string]{Topic: "g", Cursor: Cursor{1, 2}, Item: "two"}))
	assert.False(t, box.Ice(Orphan[string]{Topic: "g", Cursor: Cursor{1, 2}, Item: "again"}))
	assert.Equal(t, 3, box.Len())

	released, next := box.Release("g", GlobalCursor{1: 1})
	items := make([]string, 0, len(released))
	for _, o := range released {
		items = append(items, o.Item)
	}
	assert.Equal(t, []string{"two", "three", "four"}, items)
	assert.Equal(t, GlobalCursor{1: 4}, next)
	assert.Zero(t, box.Len())
}

func TestIceboxReleasesAcrossOriginators(t *testing.T) {
	box := NewIcebox[int]()
	// 2:1 depends on 1:2, which is itself waiting on 1:1.
	box.Ice(Orphan[int]{Topic: "g", Cursor: Cursor{2, 1}, DependsOn: GlobalCursor{1: 2}, Item: 21})
	box.Ice(Orphan[int]{Topic: "g", Cursor: Cursor{1, 2}, Item: 12})

	released, cur := box.Release("g", GlobalCursor{})
	assert.Empty(t, released)
	assert.Equal(t, GlobalCursor{}, cur)
	assert.Equal(t, 2, box.Len())

	released, cur = box.Release("g", GlobalCursor{1: 1})
	require.Len(t, released, 2)
	assert.Equal(t, 12, released[0].Item)
	assert.Equal(t, 21, released[1].Item)
	assert.Equal(t, GlobalCursor{1: 2, 2: 1}, cur)
}

func TestIceboxDropsDuplicates(t *testing.T) {
	box := NewIcebox[int]()
	box.Ice(Orphan[int]{Topic: "g", Cursor: Cursor{1, 3}})
	box.Ice(Orphan[int]{Topic: "other", Cursor: Cursor{1, 9}})

	released, _ := box.Release("g", GlobalCursor{1: 5})
	assert.Empty(t, released)
	assert.Empty(t, box.Orphans("g"))
	assert.Len(t, box.Orphans("other"), 1)
}
