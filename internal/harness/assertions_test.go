package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertOrphans,
		Expected: "0 envelope(s) waiting on dependencies",
		Actual:   "1",
		Trace: []TraceEvent{
			{Step: 1, TopicKind: "identity", Target: "alice", Cursor: "1:2", Outcome: "blocked"},
			{Step: 2, TopicKind: "welcome", Target: "g1", Cursor: "11:1", Outcome: "error", Error: "boom"},
		},
	}

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Assertion failed: orphans\n"))
	assert.Contains(t, msg, "  Expected: 0 envelope(s) waiting on dependencies\n")
	assert.Contains(t, msg, "  Actual: 1\n")
	assert.Contains(t, msg, "  [1] identity alice 1:2 -> blocked\n")
	assert.Contains(t, msg, "  [2] welcome g1 11:1 -> error (boom)\n")
}

func TestAssertions_Failures(t *testing.T) {
	epoch := uint64(3)
	inactive := false
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{
			name:      "installations",
			assertion: Assertion{Type: AssertInstallations, Inbox: "alice", Expect: []string{"a1"}},
			wantErr:   "Actual: [a1 a2]",
		},
		{
			name:      "members",
			assertion: Assertion{Type: AssertMembers, Inbox: "alice", Expect: []string{"ethereum_address:0xa11ce"}},
			wantErr:   "installation:a2",
		},
		{
			name:      "missing group",
			assertion: Assertion{Type: AssertGroup, Group: "g9"},
			wantErr:   "no such group",
		},
		{
			name:      "cursor",
			assertion: Assertion{Type: AssertCursor, Inbox: "alice", Cursor: map[uint32]uint64{1: 2}},
			wantErr:   "Actual: {1:3}",
		},
		{
			name:      "orphans",
			assertion: Assertion{Type: AssertOrphans, Count: 2},
			wantErr:   "Actual: 0",
		},
		{
			name:      "commits",
			assertion: Assertion{Type: AssertCommits, Group: "g1", Count: 1},
			wantErr:   "Actual: 0",
		},
		{
			name:      "group epoch",
			assertion: Assertion{Type: AssertGroup, Group: "g9", Epoch: &epoch, Active: &inactive},
			wantErr:   "no such group",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := loadScenario(t, "identity_out_of_order")
			scenario.Assertions = []Assertion{tt.assertion}

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.wantErr)
		})
	}
}

func TestAssertions_GroupMismatch(t *testing.T) {
	epoch := uint64(3)
	scenario := loadScenario(t, "welcome_after_backfill")
	scenario.Assertions = []Assertion{{Type: AssertGroup, Group: "g1", Epoch: &epoch}}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Expected: group g1 epoch=3")
	assert.Contains(t, result.Errors[0], "Actual: epoch=2")
}
