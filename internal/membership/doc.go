// Package membership checks that a welcome's group contains exactly the
// installations its membership extension implies.
//
// The membership extension of a group records, for every member inbox, the
// identity-log sequence id the group was built against. Resolving each inbox
// as of that sequence id and unioning the installations gives the expected
// membership. A welcome is accepted only if the group's actual installations
// equal that set, after removing installations the creator declared failed.
//
// No signatures are verified here.
package membership
