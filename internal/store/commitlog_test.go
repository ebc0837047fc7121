package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/commitlog"
)

var _ commitlog.Store = (*Store)(nil)

func applied(group string, commitSeq, epoch uint64, prev, auth byte) commitlog.Entry {
	return commitlog.Entry{
		GroupID:                   group,
		CommitSequenceID:          commitSeq,
		LastEpochAuthenticator:    []byte{prev},
		Result:                    commitlog.ResultSuccess,
		AppliedEpochNumber:        epoch,
		AppliedEpochAuthenticator: []byte{auth},
	}
}

func TestLocalCommitLog(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	id1, err := s.AppendLocalCommitLog(ctx, applied("g1", 1, 1, 0, 1))
	require.NoError(t, err)
	_, err = s.AppendLocalCommitLog(ctx, applied("g2", 1, 1, 0, 9))
	require.NoError(t, err)
	id2, err := s.AppendLocalCommitLog(ctx, applied("g1", 2, 2, 1, 2))
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	all, err := s.LocalEntriesAfter(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, id1, all[0].LogSequenceID)
	assert.Equal(t, uint64(2), all[1].CommitSequenceID)
	assert.Equal(t, commitlog.ResultSuccess, all[1].Result)
	assert.Equal(t, []byte{2}, all[1].AppliedEpochAuthenticator)

	after, err := s.LocalEntriesAfter(ctx, "g1", id1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, id2, after[0].LogSequenceID)
}

func TestApplyCommitLogCycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SaveGroup(ctx, testGroup("g1", 1)))

	state, err := s.ForkState(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, state)
	latest, err := s.LatestRemoteEntry(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	r1 := applied("g1", 1, 1, 0, 1)
	r1.LogSequenceID = 4
	r2 := applied("g1", 2, 2, 1, 2)
	r2.LogSequenceID = 7
	forked := true
	require.NoError(t, s.ApplyCommitLogCycle(ctx, commitlog.GroupCycle{
		GroupID: "g1",
		Remote:  []commitlog.Entry{r1, r2},
		Cursors: map[commitlog.CursorKind]uint64{commitlog.CursorDownload: 7, commitlog.CursorForkLocal: 2},
		Forked:  &forked,
	}))

	latest, err = s.LatestRemoteEntry(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(7), latest.LogSequenceID)

	remote, err := s.RemoteEntriesAfter(ctx, "g1", 4)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, uint64(2), remote[0].CommitSequenceID)

	download, err := s.CommitLogCursor(ctx, "g1", commitlog.CursorDownload)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), download)
	upload, err := s.CommitLogCursor(ctx, "g1", commitlog.CursorUpload)
	require.NoError(t, err)
	assert.Zero(t, upload)

	state, err = s.ForkState(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, *state)
}

func TestApplyCommitLogCycle_CursorsNeverRegress(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SaveGroup(ctx, testGroup("g1", 1)))

	for _, position := range []uint64{5, 3} {
		require.NoError(t, s.ApplyCommitLogCycle(ctx, commitlog.GroupCycle{
			GroupID: "g1",
			Cursors: map[commitlog.CursorKind]uint64{commitlog.CursorUpload: position},
		}))
	}
	upload, err := s.CommitLogCursor(ctx, "g1", commitlog.CursorUpload)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), upload)

	// A nil fork state is stored as unknown.
	state, err := s.ForkState(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCommitLogGroups_OnlyActive(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	inactive := testGroup("old", 1)
	inactive.Active = false
	require.NoError(t, s.SaveGroup(ctx, inactive))
	require.NoError(t, s.SaveGroup(ctx, testGroup("g1", 1)))

	groups, err := s.CommitLogGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commitlog.GroupInfo{{ID: "g1"}}, groups)
}
