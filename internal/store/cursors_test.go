package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/cursor"
)

var _ cursor.Store = (*Store)(nil)

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 0, 3))
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 3, 5))
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 20, 0, 1))

	g, err := s.GlobalCursor(ctx, "group/g1")
	require.NoError(t, err)
	assert.Equal(t, cursor.GlobalCursor{10: 5, 20: 1}, g)
}

func TestCompareAndSet_Conflict(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 0, 3))

	err := s.CompareAndSet(ctx, "group/g1", 10, 2, 4)
	assert.ErrorIs(t, err, cursor.ErrConflict)

	err = s.CompareAndSet(ctx, "group/g1", 10, 0, 4)
	assert.ErrorIs(t, err, cursor.ErrConflict)

	g, err := s.GlobalCursor(ctx, "group/g1")
	require.NoError(t, err)
	assert.Equal(t, cursor.GlobalCursor{10: 3}, g)
}

func TestCompareAndSet_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 0, 3))

	err := s.CompareAndSet(ctx, "group/g1", 10, 3, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, cursor.ErrConflict)

	// Same position is a no-op.
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 3, 3))
}

func TestGlobalCursor_UnknownStreamIsEmpty(t *testing.T) {
	s := createTestStore(t)
	g, err := s.GlobalCursor(context.Background(), "welcome/nobody")
	require.NoError(t, err)
	assert.Empty(t, g)
}

func TestStreams(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CompareAndSet(ctx, "welcome/k", 11, 0, 1))
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 10, 0, 1))
	require.NoError(t, s.CompareAndSet(ctx, "group/g1", 20, 0, 1))

	streams, err := s.Streams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"group/g1", "welcome/k"}, streams)
}
