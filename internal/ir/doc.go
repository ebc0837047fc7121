// Package ir provides the canonical value representation used for
// content-addressed identity across mlscore.
//
// Every hash that must be identical on every installation (identity update
// event hashes, inbox ids, association state digests, commit log digests) is
// computed from RFC 8785 canonical JSON of an IRValue tree, prefixed with a
// versioned domain string.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - NO null - absent fields are omitted, never encoded
//   - Object keys ordered by UTF-16 code units, strings NFC normalized
//
// ir imports nothing internal.
package ir
