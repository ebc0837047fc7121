package testutil

import "github.com/roach88/mlscore/internal/association"

// DefaultIdentityOriginator is the originator id builders stamp on updates.
const DefaultIdentityOriginator uint32 = 1

// InboxBuilder produces a well-formed identity log for one inbox.
//
// Sequence ids come from a SequenceClock, and each update's client
// timestamp is derived from its sequence id, so two builders created with the
// same arguments produce byte-identical logs.
type InboxBuilder struct {
	Account    association.MemberIdentifier
	Nonce      uint64
	InboxID    string
	Originator uint32
	clock      *SequenceClock
}

// NewInbox creates a builder for the inbox owned by account.
func NewInbox(account association.MemberIdentifier, nonce uint64) *InboxBuilder {
	return &InboxBuilder{
		Account:    account,
		Nonce:      nonce,
		InboxID:    association.InboxID(account, nonce),
		Originator: DefaultIdentityOriginator,
		clock:      NewSequenceClock(0),
	}
}

// Update wraps actions in the next update of the log.
func (b *InboxBuilder) Update(actions ...association.Action) association.IdentityUpdate {
	seq := b.clock.Next()
	return association.IdentityUpdate{
		InboxID:           b.InboxID,
		SequenceID:        seq,
		OriginatorID:      b.Originator,
		ClientTimestampNs: seq * 1_000,
		Actions:           actions,
	}
}

// Create returns the CreateInbox update.
func (b *InboxBuilder) Create() association.IdentityUpdate {
	return b.Update(association.CreateInbox{Nonce: b.Nonce, Account: b.Account})
}

// Add returns an update adding member, signed by existing.
func (b *InboxBuilder) Add(member, existing association.MemberIdentifier) association.IdentityUpdate {
	return b.Update(association.AddAssociation{NewMember: member, ExistingMember: existing})
}

// AddInstallation adds an installation key signed by the inbox account.
func (b *InboxBuilder) AddInstallation(key string) association.IdentityUpdate {
	return b.Add(association.Installation(key), b.Account)
}

// Revoke returns an update revoking member, signed by signer.
func (b *InboxBuilder) Revoke(member, signer association.MemberIdentifier) association.IdentityUpdate {
	return b.Update(association.RevokeAssociation{Revoked: member, Signer: signer})
}

// ChangeRecovery returns an update moving recovery to next, signed by signer.
func (b *InboxBuilder) ChangeRecovery(next, signer association.MemberIdentifier) association.IdentityUpdate {
	return b.Update(association.ChangeRecoveryAddress{New: next, Signer: signer})
}

// LastSequenceID returns the sequence id of the most recent update built.
func (b *InboxBuilder) LastSequenceID() uint64 {
	return b.clock.Current()
}

// Skip leaves a gap of n sequence ids before the next update.
func (b *InboxBuilder) Skip(n uint64) {
	b.clock.Skip(n)
}
