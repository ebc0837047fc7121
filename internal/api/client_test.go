package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/api/apitest"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
)

func fastConfig() api.ClientConfig {
	return api.ClientConfig{RequestsPerSecond: 1000, Burst: 100, BaseBackoff: time.Millisecond}
}

func receive(t *testing.T, ch <-chan api.Envelope) api.Envelope {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "stream closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return api.Envelope{}
}

func TestParseBackend(t *testing.T) {
	b, err := api.ParseBackend("decentralized")
	require.NoError(t, err)
	assert.Equal(t, "decentralized", b.Name())

	b, err = api.ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, "centralized", b.Name())

	_, err = api.ParseBackend("p2p")
	assert.Error(t, err)
}

func TestTopicRoundTrip(t *testing.T) {
	for _, topic := range []api.Topic{api.IdentityTopic("inbox"), api.GroupTopic("g/1"), api.WelcomeTopic("key")} {
		parsed, err := api.ParseTopic(topic.String())
		require.NoError(t, err)
		assert.Equal(t, topic, parsed)
	}
	_, err := api.ParseTopic("mailbox/x")
	assert.Error(t, err)
	_, err = api.ParseTopic("group")
	assert.Error(t, err)
}

func TestGetIdentityUpdatesRetries(t *testing.T) {
	net := apitest.New()
	net.AddIdentityUpdates(
		association.IdentityUpdate{InboxID: "inbox", SequenceID: 1},
		association.IdentityUpdate{InboxID: "inbox", SequenceID: 2},
	)
	net.FailNext(2)
	c := api.NewClient(api.Centralized{}, net, fastConfig())

	updates, err := c.GetIdentityUpdates(context.Background(), "inbox", 1)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(2), updates[0].SequenceID)
	assert.Equal(t, 3, net.Calls("get_identity_updates"))
}

func TestGetIdentityUpdatesGivesUp(t *testing.T) {
	net := apitest.New()
	net.FailNext(10)
	c := api.NewClient(api.Centralized{}, net, fastConfig())

	_, err := c.GetIdentityUpdates(context.Background(), "inbox", 0)
	assert.ErrorIs(t, err, apitest.ErrUnavailable)
	assert.Equal(t, 3, net.Calls("get_identity_updates"))
}

func TestPublishCommitLogIsNotRetried(t *testing.T) {
	net := apitest.New()
	net.FailNext(1)
	c := api.NewClient(api.Decentralized{}, net, fastConfig())
	entry := commitlog.Entry{GroupID: "g", CommitSequenceID: 1, Result: commitlog.ResultSuccess}

	assert.ErrorIs(t, c.PublishCommitLog(context.Background(), []commitlog.Entry{entry}), apitest.ErrUnavailable)
	require.NoError(t, c.PublishCommitLog(context.Background(), []commitlog.Entry{entry}))

	fetched, err := c.FetchRemoteCommitLog(context.Background(), "g", 0)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, uint64(1), fetched[0].LogSequenceID)
}

func TestSubscribeCentralizedDropsDependencies(t *testing.T) {
	net := apitest.New()
	topic := api.GroupTopic("g")
	net.Publish(
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: 10, SequenceID: 1}},
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: 10, SequenceID: 2},
			DependsOn: cursor.GlobalCursor{0: 4}},
	)
	c := api.NewClient(api.Centralized{}, net, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// LastSeen entries for other originators are dropped by the backend.
	ch, err := c.Subscribe(ctx, []api.TopicFilter{{Topic: topic, LastSeen: cursor.GlobalCursor{10: 1, 99: 50}}})
	require.NoError(t, err)

	e := receive(t, ch)
	assert.Equal(t, uint64(2), e.Cursor.SequenceID)
	assert.Nil(t, e.DependsOn)
}

func TestSubscribeDecentralizedKeepsDependencies(t *testing.T) {
	net := apitest.New()
	topic := api.GroupTopic("g")
	c := api.NewClient(api.Decentralized{}, net, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Subscribe(ctx, []api.TopicFilter{{Topic: topic}})
	require.NoError(t, err)

	net.Publish(
		api.Envelope{Topic: api.GroupTopic("other"), Cursor: cursor.Cursor{OriginatorID: 100, SequenceID: 1}},
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: 100, SequenceID: 7},
			DependsOn: cursor.GlobalCursor{200: 3}},
	)
	e := receive(t, ch)
	assert.Equal(t, topic, e.Topic)
	assert.Equal(t, cursor.GlobalCursor{200: 3}, e.DependsOn)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestSubscribeCentralizedGroupKeepsBothOriginators(t *testing.T) {
	net := apitest.New()
	topic := api.GroupTopic("g")
	commits := api.GroupMessageOriginator(true)
	messages := api.GroupMessageOriginator(false)
	net.Publish(
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: commits, SequenceID: 3}},
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: messages, SequenceID: 1}},
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: commits, SequenceID: 4}},
		api.Envelope{Topic: topic, Cursor: cursor.Cursor{OriginatorID: messages, SequenceID: 2}},
	)
	c := api.NewClient(api.Centralized{}, net, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	last := cursor.GlobalCursor{commits: 3, messages: 1, 99: 50}
	ch, err := c.Subscribe(ctx, []api.TopicFilter{{Topic: topic, LastSeen: last}})
	require.NoError(t, err)

	assert.Equal(t, cursor.Cursor{OriginatorID: commits, SequenceID: 4}, receive(t, ch).Cursor)
	assert.Equal(t, cursor.Cursor{OriginatorID: messages, SequenceID: 2}, receive(t, ch).Cursor)
}

func TestTopicOriginators(t *testing.T) {
	assert.Equal(t, []uint32{api.OriginatorInboxLog}, api.TopicOriginators(api.TopicIdentityUpdates))
	assert.Equal(t, []uint32{api.OriginatorWelcomeMessages}, api.TopicOriginators(api.TopicWelcomeMessages))
	assert.Equal(t, []uint32{api.OriginatorMLSCommits, api.OriginatorApplicationMessages},
		api.TopicOriginators(api.TopicGroupMessages))
}
