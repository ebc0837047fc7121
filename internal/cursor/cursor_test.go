package cursor

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeLaws(t *testing.T) {
	a := GlobalCursor{1: 5, 2: 3}
	b := GlobalCursor{1: 2, 3: 9}
	c := GlobalCursor{2: 7, 3: 1}

	assert.Equal(t, a.Merge(b), b.Merge(a), "commutative")
	assert.Equal(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)), "associative")
	assert.Equal(t, a, a.Merge(a), "idempotent")
	assert.Equal(t, GlobalCursor{1: 5, 2: 3, 3: 9}, a.Merge(b))
}

func TestMergeDoesNotMutate(t *testing.T) {
	a := GlobalCursor{1: 1}
	_ = a.Merge(GlobalCursor{1: 4, 2: 2})
	_ = a.Apply(Cursor{OriginatorID: 1, SequenceID: 9})
	assert.Equal(t, GlobalCursor{1: 1}, a)
}

func TestApplyKeepsMaximum(t *testing.T) {
	g := GlobalCursor{1: 5}
	assert.Equal(t, GlobalCursor{1: 6}, g.Apply(Cursor{1, 6}))
	assert.Equal(t, GlobalCursor{1: 5}, g.Apply(Cursor{1, 2}))
	assert.Equal(t, GlobalCursor{1: 5, 4: 1}, g.Apply(Cursor{4, 1}))
}

func TestHasSeenAndDominates(t *testing.T) {
	g := GlobalCursor{1: 5, 2: 3}
	assert.True(t, g.HasSeen(Cursor{1, 5}))
	assert.False(t, g.HasSeen(Cursor{1, 6}))
	assert.False(t, g.HasSeen(Cursor{9, 1}))
	assert.True(t, g.HasSeen(Cursor{9, 0}))

	assert.True(t, g.Dominates(GlobalCursor{1: 4}))
	assert.False(t, g.Dominates(GlobalCursor{3: 1}))
	assert.True(t, g.Equal(GlobalCursor{1: 5, 2: 3, 7: 0}))
}

func TestLowestCommon(t *testing.T) {
	tests := []struct {
		name    string
		cursors []GlobalCursor
		want    GlobalCursor
	}{
		{
			name: "normal",
			cursors: []GlobalCursor{
				{1: 10, 2: 20},
				{1: 15, 2: 12, 3: 9},
				{1: 8, 3: 11},
			},
			want: GlobalCursor{1: 8, 2: 12, 3: 9},
		},
		{
			name:    "zero values",
			cursors: []GlobalCursor{{1: 0, 2: 4}, {1: 3, 2: 0}},
			want:    GlobalCursor{1: 0, 2: 0},
		},
		{
			name:    "unseen originators",
			cursors: []GlobalCursor{{1: 5}, {2: 7}},
			want:    GlobalCursor{1: 5, 2: 7},
		},
		{
			name: "none",
			want: GlobalCursor{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LowestCommon(tt.cursors...))
		})
	}
}

func TestGlobalCursorString(t *testing.T) {
	assert.Equal(t, "{1:5, 2:3, 10:1}", GlobalCursor{10: 1, 2: 3, 1: 5}.String())
	assert.Equal(t, "{}", GlobalCursor{}.String())
	assert.Equal(t, uint64(5), GlobalCursor{10: 1, 2: 3, 1: 5}.Max())
}

// fuzzCursor decodes data five bytes at a time into originator and sequence
// id pairs. Originators come from a small range so fuzzed cursors overlap.
func fuzzCursor(data []byte) GlobalCursor {
	g := GlobalCursor{}
	for i := 0; i+4 < len(data); i += 5 {
		originator := uint32(data[i] % 8)
		seq := uint64(binary.BigEndian.Uint32(data[i+1 : i+5]))
		g[originator] = max(g[originator], seq)
	}
	return g
}

func FuzzMergeLaws(f *testing.F) {
	f.Add([]byte{1, 0, 0, 0, 5, 2, 0, 0, 0, 3}, []byte{1, 0, 0, 0, 2, 3, 0, 0, 0, 9}, []byte{2, 0, 0, 0, 7})
	f.Add([]byte{}, []byte{0, 0, 0, 0, 1}, []byte{})
	f.Add([]byte{7, 255, 255, 255, 255}, []byte{7, 0, 0, 0, 0}, []byte{7, 0, 0, 1, 0})

	f.Fuzz(func(t *testing.T, x, y, z []byte) {
		a, b, c := fuzzCursor(x), fuzzCursor(y), fuzzCursor(z)

		assert.True(t, a.Merge(b).Equal(b.Merge(a)), "commutative")
		assert.True(t, a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))), "associative")
		assert.True(t, a.Merge(a).Equal(a), "idempotent")

		merged := a.Merge(b)
		assert.True(t, merged.Dominates(a))
		assert.True(t, merged.Dominates(b))
		assert.True(t, LowestCommon(a, b).Merge(merged).Equal(merged))
	})
}
