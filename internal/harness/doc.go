// Package harness runs YAML delivery scenarios against a real engine.
//
// A scenario declares inbox identity logs, the envelopes a subscriber
// receives in delivery order, and assertions on the resulting local state.
// Every scenario runs on a fresh SQLite database and an in-memory network,
// so traces are reproducible and can be compared with golden files.
//
// # Scenario Format
//
//	name: welcome_after_backfill
//	description: "A welcome whose members are fetched from the network"
//	backend: centralized
//	inboxes:
//	  - name: alice
//	    account: "0xa11ce"
//	    updates:
//	      - action: create
//	      - action: add
//	        member: installation:a1
//	network: [alice]
//	deliver:
//	  - welcome:
//	      seq: 1
//	      group: g1
//	      epoch: 1
//	      members: { alice: 2 }
//	      installations: [a1]
//	    expect: ready
//	assertions:
//	  - type: group
//	    group: g1
//	    active: true
//
// Names are scenario-local: "alice" is replaced by the inbox id derived
// from the account and nonce, and traces refer to inboxes by name.
//
// # Assertion Types
//
//   - installations: the inbox snapshot has exactly these installation keys
//   - members: the inbox snapshot has exactly these member identifiers
//   - group: a group exists with the given active flag and epoch
//   - cursor: a topic's persisted cursor equals the given vector
//   - orphans: the number of envelopes still waiting on dependencies
//   - commits: the number of local commit log entries of a group
//
// # Delivery Order Independence
//
// CheckConvergence runs a scenario once per delivery order and reports
// whether every order produced the same inbox states and groups.
package harness
