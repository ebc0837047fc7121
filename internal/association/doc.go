// Package association resolves an inbox's identity log into an AssociationState.
//
// An inbox is a logical identity backed by one or more identifiers: Ethereum
// addresses, passkeys and installation keys. Every change to that set is an
// IdentityUpdate: a signed bundle of actions (CreateInbox, AddAssociation,
// RevokeAssociation, ChangeRecoveryAddress) that relay nodes order per inbox.
//
// # Invariants
//
// Determinism: an AssociationState is a pure function of the ordered prefix of
// updates folded into it. Folding the same prefix twice yields states with the
// same Digest.
//
// Idempotence: every applied update is recorded by its canonical event hash.
// Folding an update whose hash was already seen is a no-op.
//
// Immutability: folding never mutates the input state. Old snapshots stay valid
// so callers can validate against the state "as of" an earlier sequence id.
//
// Signature verification is not performed here. Updates reach the resolver with
// signers already recovered by the verifier that sits in front of it.
package association
