package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/cursor"
)

func TestIcebox(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	orphans := []StoredOrphan{
		{Stream: "group/g1", Cursor: cursor.Cursor{OriginatorID: 10, SequenceID: 4}, Envelope: []byte("four")},
		{Stream: "group/g1", Cursor: cursor.Cursor{OriginatorID: 10, SequenceID: 3}, Envelope: []byte("three")},
		{Stream: "identity/x", Cursor: cursor.Cursor{OriginatorID: 1, SequenceID: 2}, Envelope: []byte("two")},
	}
	for _, o := range orphans {
		require.NoError(t, s.SaveOrphan(ctx, o))
	}
	// Re-icing keeps the first envelope.
	require.NoError(t, s.SaveOrphan(ctx, StoredOrphan{
		Stream: "group/g1", Cursor: cursor.Cursor{OriginatorID: 10, SequenceID: 3}, Envelope: []byte("other"),
	}))

	got, err := s.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("three"), got[0].Envelope)
	assert.Equal(t, []byte("four"), got[1].Envelope)
	assert.Equal(t, "identity/x", got[2].Stream)

	require.NoError(t, s.DeleteOrphans(ctx, "group/g1", []cursor.Cursor{{OriginatorID: 10, SequenceID: 3}, {OriginatorID: 10, SequenceID: 4}}))
	got, err = s.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cursor.Cursor{OriginatorID: 1, SequenceID: 2}, got[0].Cursor)
}
