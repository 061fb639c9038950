// Package testutil provides deterministic member keys and a capturing
// Sender for tests and the conformance harness.
package testutil
