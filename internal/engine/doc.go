// Package engine is the single-writer ingestion loop of the consistency core.
//
// Envelopes arrive from an api.Client subscription and are queued. Run
// dequeues them one at a time and admits each against its topic's cursor:
//
//  1. Duplicate envelopes are dropped.
//  2. Blocked envelopes are iced, in memory and in the store, until their
//     dependencies arrive.
//  3. Ready envelopes are applied, the topic cursor advances with
//     compare-and-set, and iced envelopes that became ready are released.
//
// Applying an envelope depends on its payload. Identity updates are stored
// and folded into the inbox's association snapshot. Group commits are
// appended to the local commit log. Welcomes are validated against the
// membership of the group and, when accepted, stored as groups.
//
// An envelope whose processing fails is not consumed: its cursor does not
// move and it is held until the retry worker re-enqueues it. Failures that
// retrying cannot fix, such as a rejected identity update or a welcome with
// a wrong membership, are logged and consumed.
//
// All mutation happens in the Run goroutine. Enqueue and the retry task are
// safe from any goroutine.
package engine
