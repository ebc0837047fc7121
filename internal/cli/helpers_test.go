package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/testutil"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--env-file="}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeEnvelopes writes envelopes as JSON lines and returns the file path.
func writeEnvelopes(t *testing.T, envelopes ...api.Envelope) string {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range envelopes {
		data, err := api.MarshalEnvelope(e)
		require.NoError(t, err)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "envelopes.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func identityEnvelope(u association.IdentityUpdate) api.Envelope {
	return api.Envelope{
		Topic:   api.IdentityTopic(u.InboxID),
		Cursor:  cursor.Cursor{OriginatorID: api.OriginatorInboxLog, SequenceID: u.SequenceID},
		Payload: api.IdentityUpdatePayload{Update: u},
	}
}

func welcomeEnvelope(seq uint64, w membership.Welcome) api.Envelope {
	return api.Envelope{
		Topic:   api.WelcomeTopic("me"),
		Cursor:  cursor.Cursor{OriginatorID: api.OriginatorWelcomeMessages, SequenceID: seq},
		Payload: api.WelcomePayload{Welcome: w},
	}
}

// inboxFixture is an inbox with one installation, "a1", added at sequence 2.
type inboxFixture struct {
	builder *testutil.InboxBuilder
	create  association.IdentityUpdate
	add     association.IdentityUpdate
}

func newInboxFixture() inboxFixture {
	b := testutil.NewInbox(association.Address("0xabc"), 0)
	return inboxFixture{builder: b, create: b.Create(), add: b.AddInstallation("a1")}
}

func (f inboxFixture) welcome(groupID string) membership.Welcome {
	return membership.Welcome{
		GroupID:       groupID,
		Epoch:         1,
		Membership:    membership.GroupMembership{Members: map[string]uint64{f.builder.InboxID: 2}},
		Installations: []string{"a1"},
	}
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "mlscore.db")
}
