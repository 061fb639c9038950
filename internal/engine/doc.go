// Package engine implements the cancellation subsystem of a replica.
//
// The engine receives verified records through Submit, stores them, and
// keeps the cancellation status of every stored record converged across
// replicas regardless of delivery order.
//
// ARCHITECTURE:
//
// Striped Resolution:
// Work on one victim is serialized on a stripe chosen by hashing the
// victim's identity. A cancel takes its victim's stripe; a data record takes
// its own, which is the stripe any cancel of it uses. The read-compare-write
// of a victim's canceller therefore never races, and the pending queue is
// only touched for a victim inside that victim's stripe.
//
// Resolution Flow:
// 1. Submit validates the record and advances the logical clock
// 2. Cancels of unknown victims are deferred and a missing-record request is queued
// 3. Otherwise eligibility is checked against the permission ledger
// 4. Eligible cancels are stored; the one with the greatest wire bytes is active
// 5. A losing cancel from a peer makes the engine send the winner back to it
//
// Outbound Dispatch:
// Resolution never talks to the network. Outbound records and requests go to
// an unbounded outbox; Run (or DrainOutbox) hands them to the Sender.
// Missing-record requests for one (peer, member) pair are coalesced when
// dispatched and retried with backoff by a named task until every time they
// cover has arrived.
//
// CRITICAL PATTERNS:
//
// Deterministic Tie-Break:
// Competing cancels are ordered by their wire bytes alone, never by global
// time or arrival order.
//
// Finality:
// Processing an authorize or revoke record never revisits a settled
// cancellation.
package engine
