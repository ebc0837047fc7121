// Package cursor tracks causal delivery positions across relay originators.
//
// Every envelope carries the Cursor its originator assigned plus a DependsOn
// vector naming what its author had seen. An installation keeps one
// GlobalCursor per topic and admits an envelope only when every dependency is
// already reflected locally and the envelope is the next one from its
// originator. Envelopes that arrive early are parked in an Icebox and released
// once the cursor catches up.
//
// Everything in this package is a pure value computation. Persistence of
// cursors with compare-and-set lives in the store packages.
package cursor
