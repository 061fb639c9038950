// Package harness runs conformance scenarios against a network of
// in-process replicas.
//
// Each replica is a full engine over its own in-memory SQLite store. The
// network between them is a set of capturing senders that the harness
// drains in node order, decoding every record from its wire bytes before
// delivery. A scenario run is therefore deterministic and produces the
// same trace every time.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: cancel_race
//	description: "Two cancels of one record race across three replicas"
//	masters: [master]
//	types: { text: true }
//	grants:
//	  - { subject: bob, type: text, permission: cancel }
//	nodes:
//	  - { name: a, member: alice }
//	  - { name: b, member: bob }
//	  - { name: c }
//	steps:
//	  - create: { node: a, type: text, as: m }
//	  - flush: true
//	  - cancel: { node: b, victim: m, as: c1 }
//	  - sign: { as: c2, author: bob, time: 4, victim: m }
//	  - deliver: { to: c, from: x, record: c2 }
//	  - flush: true
//	assertions:
//	  - { type: converged, record: m }
//	  - { type: status, node: a, record: m, cancelled_by: c2 }
//
// Records are referred to by labels. create, cancel and sign define a
// label; deliver and the assertions use one.
//
// # Assertion Types
//
//   - status: a node reports the record cancelled by a label, or "none"
//   - converged: every node holds the record with the same canceller
//   - sent: exactly count routed envelopes match from, to, reason, record
//   - pending: a node holds exactly count cancels awaiting their victims
//   - cancellers: a node stores exactly count cancels of the record
//
// # Traces
//
// The trace lists local operations, injected deliveries and routed
// envelopes with their outcome at the destination, one canonical JSON
// object per line. Records appear by label and members by name.
// RunWithGolden compares it against testdata/golden/<name>.golden.
package harness
