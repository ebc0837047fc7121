package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/api/apitest"
	"github.com/roach88/mlscore/internal/api/relay"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/testutil"
)

func newRelay(t *testing.T) (*apitest.Network, *relay.Client) {
	t.Helper()
	net := apitest.New()
	srv := httptest.NewServer(relay.NewHandler(net, nil))
	t.Cleanup(srv.Close)
	return net, relay.NewClient(srv.URL+"/", time.Second)
}

func TestRelayIdentityUpdates(t *testing.T) {
	net, c := newRelay(t)
	b := testutil.NewInbox(association.Address("0xabc"), 0)
	created := b.Create()
	net.AddIdentityUpdates(created)

	got, err := c.GetIdentityUpdates(context.Background(), b.InboxID, 0)
	require.NoError(t, err)
	assert.Equal(t, []association.IdentityUpdate{created}, got)

	got, err = c.GetIdentityUpdates(context.Background(), b.InboxID, created.SequenceID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRelayCommitLog(t *testing.T) {
	net, c := newRelay(t)
	ctx := context.Background()
	entry := commitlog.Entry{
		GroupID: "g/1", CommitSequenceID: 3, LastEpochAuthenticator: []byte{1},
		Result: commitlog.ResultSuccess, AppliedEpochNumber: 2, AppliedEpochAuthenticator: []byte{2},
	}
	require.NoError(t, c.PublishCommitLog(ctx, []commitlog.Entry{entry}))
	require.Len(t, net.RemoteCommitLog(), 1)

	fetched, err := c.FetchRemoteCommitLog(ctx, "g/1", 0)
	require.NoError(t, err)
	entry.LogSequenceID = 1
	assert.Equal(t, []commitlog.Entry{entry}, fetched)

	fetched, err = c.FetchRemoteCommitLog(ctx, "g/1", 1)
	require.NoError(t, err)
	assert.Empty(t, fetched)
}

func TestRelayReadd(t *testing.T) {
	net, c := newRelay(t)
	ctx := context.Background()
	req := commitlog.ReaddRequest{GroupID: "g1", LatestCommitSequenceID: 4}

	require.NoError(t, c.SendReaddRequest(ctx, req, []string{"inbox-admin"}))
	assert.Equal(t, []apitest.SentReaddRequest{{Request: req, Recipients: []string{"inbox-admin"}}}, net.ReaddRequests())

	seq, err := c.ReaddInstallations(ctx, "g1", []string{"a1", "a2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []string{"a1", "a2"}, net.Readded("g1"))
}

func TestRelayFailures(t *testing.T) {
	tests := []struct {
		name   string
		call   func(ctx context.Context, c *relay.Client) error
		status int
	}{
		{"transport failure", func(ctx context.Context, c *relay.Client) error {
			_, err := c.FetchRemoteCommitLog(ctx, "g1", 0)
			return err
		}, http.StatusBadGateway},
		{"subscribe failure", func(ctx context.Context, c *relay.Client) error {
			_, err := c.Subscribe(ctx, []api.TopicFilter{{Topic: api.GroupTopic("g1")}})
			return err
		}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net, c := newRelay(t)
			net.FailNext(1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := tt.call(ctx, c)
			var statusErr *relay.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.Status)
			assert.Contains(t, statusErr.Body, "network unavailable")
		})
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(relay.NewHandler(apitest.New(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/commit-log/g1?after=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/subscribe", "application/json", strings.NewReader(`[{"topic":"mailbox/x"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelaySubscribeStreamsEnvelopes(t *testing.T) {
	net, c := newRelay(t)
	topic := api.GroupTopic("g1")
	stored := api.Envelope{
		Topic:   topic,
		Cursor:  cursor.Cursor{OriginatorID: 10, SequenceID: 1},
		Payload: api.GroupMessagePayload{GroupID: "g1", Data: []byte("first")},
	}
	net.Publish(stored)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.Subscribe(ctx, []api.TopicFilter{{Topic: topic}})
	require.NoError(t, err)
	assert.Equal(t, stored, receive(t, ch))

	live := api.Envelope{
		Topic:     topic,
		Cursor:    cursor.Cursor{OriginatorID: 10, SequenceID: 2},
		DependsOn: cursor.GlobalCursor{0: 3},
		Payload:   api.GroupMessagePayload{GroupID: "g1", Data: []byte("second")},
	}
	net.Publish(live)
	assert.Equal(t, live, receive(t, ch))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestRelaySubscribeResumesFromLastSeen(t *testing.T) {
	net, c := newRelay(t)
	topic := api.WelcomeTopic("key")
	for seq := uint64(1); seq <= 3; seq++ {
		net.Publish(api.Envelope{
			Topic:  topic,
			Cursor: cursor.Cursor{OriginatorID: api.OriginatorWelcomeMessages, SequenceID: seq},
			Payload: api.ReaddRequestPayload{
				Request: commitlog.ReaddRequest{GroupID: "g1", LatestCommitSequenceID: seq},
				InboxID: "inbox", InstallationID: "a1",
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.Subscribe(ctx, []api.TopicFilter{{
		Topic: topic, LastSeen: cursor.GlobalCursor{api.OriginatorWelcomeMessages: 2},
	}})
	require.NoError(t, err)
	e := receive(t, ch)
	assert.Equal(t, uint64(3), e.Cursor.SequenceID)
	assert.Equal(t, uint64(3), e.Payload.(api.ReaddRequestPayload).Request.LatestCommitSequenceID)
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
