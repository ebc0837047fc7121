package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/membership"
)

func testGroup(id string, epoch uint64) membership.Group {
	return membership.Group{
		ID:     id,
		Epoch:  epoch,
		Active: true,
		Membership: membership.GroupMembership{
			Members:             map[string]uint64{"inbox-a": 2},
			FailedInstallations: []string{"dead"},
		},
		Installations: []string{"i1", "i2"},
	}
}

func TestGroup_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	g := testGroup("g1", 3)
	require.NoError(t, s.SaveGroup(ctx, g))

	got, ok, err := s.Group(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g, got)

	_, ok, err = s.Group(ctx, "g2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroup_SetEpochNeverGoesBack(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SaveGroup(ctx, testGroup("g1", 3)))

	require.NoError(t, s.SetGroupEpoch(ctx, "g1", 5))
	require.NoError(t, s.SetGroupEpoch(ctx, "g1", 4))

	got, _, err := s.Group(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Epoch)
}

func TestGroup_SaveRolesAndPublisher(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	g := testGroup("g1", 1)
	g.SuperAdmins = []string{"inbox-a"}
	g.DMMembers = []string{"inbox-a", "inbox-b"}
	g.Publish = true
	require.NoError(t, s.SaveGroup(ctx, g))

	got, ok, err := s.Group(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g, got)

	groups, err := s.CommitLogGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Publish)
}

func TestGroup_ResaveKeepsForkStateAndRederivesPublisher(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	g := testGroup("g1", 1)
	g.Publish = true
	require.NoError(t, s.SaveGroup(ctx, g))
	forked := true
	require.NoError(t, s.ApplyCommitLogCycle(ctx, commitlog.GroupCycle{GroupID: "g1", Forked: &forked}))

	g = testGroup("g1", 2)
	require.NoError(t, s.SaveGroup(ctx, g))

	state, err := s.ForkState(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, *state)

	groups, err := s.CommitLogGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.False(t, groups[0].Publish, "publisher flag follows the latest welcome")
}

func TestGroups_Ordered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SaveGroup(ctx, testGroup("b", 1)))
	require.NoError(t, s.SaveGroup(ctx, testGroup("a", 1)))

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].ID)
	assert.Equal(t, "b", groups[1].ID)
}
