package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEquality(t *testing.T) {
	tests := []struct {
		name     string
		expected ExpectedMembership
		actual   InstallationSet
		wantErr  bool
	}{
		{
			name:     "equal",
			expected: ExpectedMembership{Installations: NewInstallationSet("A", "B")},
			actual:   NewInstallationSet("A", "B"),
		},
		{
			name:     "over-membership",
			expected: ExpectedMembership{Installations: NewInstallationSet("A", "B")},
			actual:   NewInstallationSet("A", "B", "C"),
			wantErr:  true,
		},
		{
			name:     "under-membership",
			expected: ExpectedMembership{Installations: NewInstallationSet("A", "B")},
			actual:   NewInstallationSet("A"),
			wantErr:  true,
		},
		{
			name: "failed installation excluded",
			expected: ExpectedMembership{
				Installations: NewInstallationSet("A", "B"),
				Failed:        NewInstallationSet("B"),
			},
			actual: NewInstallationSet("A"),
		},
		{
			name: "failed installation present in group",
			expected: ExpectedMembership{
				Installations: NewInstallationSet("A", "B"),
				Failed:        NewInstallationSet("B"),
			},
			actual:  NewInstallationSet("A", "B"),
			wantErr: true,
		},
		{
			name:     "both empty",
			expected: ExpectedMembership{},
			actual:   NewInstallationSet(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expected, tt.actual)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidGroupMembership)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestValidateReportsDifference(t *testing.T) {
	err := Validate(
		ExpectedMembership{Installations: NewInstallationSet("A", "B")},
		NewInstallationSet("A", "C"),
	)
	var ge *GroupError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []string{"C"}, ge.Unexpected)
	assert.Equal(t, []string{"B"}, ge.Missing)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(assert.AnError))
	assert.True(t, IsRetryable(&GroupError{Code: ErrCodeMissingIdentityUpdates}))
	assert.False(t, IsRetryable(&GroupError{Code: ErrCodeWelcomeAlreadyProcessed}))
	assert.False(t, IsRetryable(&GroupError{Code: ErrCodeUnresolvableInbox}))
}

func TestGroupMembershipInboxIDs(t *testing.T) {
	m := GroupMembership{Members: map[string]uint64{"c": 1, "a": 2, "b": 3}}
	assert.Equal(t, []string{"a", "b", "c"}, m.InboxIDs())
}
