package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/testutil"
)

var (
	_ membership.IdentityLog = (*Store)(nil)
	_ membership.GroupLookup = (*Store)(nil)
)

func TestIdentityUpdates_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	b := testutil.NewInbox(association.Address("0xabc"), 0)
	create := b.Create()
	add := b.AddInstallation("a1")
	revoke := b.Revoke(association.Installation("a1"), b.Account)

	// Out of order on purpose; reads are ordered by sequence id.
	require.NoError(t, s.SaveIdentityUpdates(ctx, []association.IdentityUpdate{revoke, create, add}))

	all, err := s.IdentityUpdates(ctx, b.InboxID, revoke.SequenceID)
	require.NoError(t, err)
	assert.Equal(t, []association.IdentityUpdate{create, add, revoke}, all)

	prefix, err := s.IdentityUpdates(ctx, b.InboxID, add.SequenceID)
	require.NoError(t, err)
	assert.Equal(t, []association.IdentityUpdate{create, add}, prefix)

	latest, err := s.LatestIdentitySequenceID(ctx, b.InboxID)
	require.NoError(t, err)
	assert.Equal(t, revoke.SequenceID, latest)
}

func TestIdentityUpdates_DuplicatesIgnored(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	b := testutil.NewInbox(association.Address("0xabc"), 0)
	create := b.Create()

	require.NoError(t, s.SaveIdentityUpdates(ctx, []association.IdentityUpdate{create}))
	require.NoError(t, s.SaveIdentityUpdates(ctx, []association.IdentityUpdate{create}))

	all, err := s.IdentityUpdates(ctx, b.InboxID, 100)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIdentityUpdates_UnknownInbox(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	all, err := s.IdentityUpdates(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, all)

	latest, err := s.LatestIdentitySequenceID(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestInboxIDs(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	b1 := testutil.NewInbox(association.Address("0xaaa"), 0)
	b2 := testutil.NewInbox(association.Address("0xbbb"), 0)
	require.NoError(t, s.SaveIdentityUpdates(ctx, []association.IdentityUpdate{b2.Create(), b1.Create(), b1.AddInstallation("x")}))

	ids, err := s.InboxIDs(ctx)
	require.NoError(t, err)
	want := []string{b1.InboxID, b2.InboxID}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, ids)
}

func TestSnapshot_RoundTripAndNoRegression(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	b := testutil.NewInbox(association.Address("0xabc"), 0)
	r := association.NewResolver()

	early, errs := r.Resolve(nil, []association.IdentityUpdate{b.Create()})
	require.Empty(t, errs)
	later, errs := r.Resolve(early, []association.IdentityUpdate{b.AddInstallation("a1")})
	require.Empty(t, errs)

	_, ok, err := s.Snapshot(ctx, b.InboxID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSnapshot(ctx, later))
	require.NoError(t, s.SaveSnapshot(ctx, early))

	got, ok, err := s.Snapshot(ctx, b.InboxID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.Digest(), got.Digest())
	assert.Equal(t, later.LastSequenceID(), got.LastSequenceID())
	assert.Equal(t, []string{"a1"}, got.Installations())
}
