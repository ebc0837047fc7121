package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration without collisions.
const (
	DomainIdentityUpdate = "mlscore/identity_update/v1"
	DomainInboxID        = "mlscore/inbox_id/v1"
	DomainStateDigest    = "mlscore/association_state/v1"
	DomainCommitLogEntry = "mlscore/commit_log_entry/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonically marshals v and hashes it under domain.
func Hash(domain string, v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustHash is like Hash but panics on error.
// Use only when the value is built from IR types and known to be valid.
func MustHash(domain string, v IRValue) string {
	h, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}

// InboxID derives the stable inbox id for an account identifier and nonce.
// Every installation computes the same id from the same inputs.
func InboxID(accountKind, accountValue string, nonce uint64) string {
	return MustHash(DomainInboxID, IRObject{
		"account_kind":  IRString(accountKind),
		"account_value": IRString(accountValue),
		"nonce":         Uint64(nonce),
	})
}
