// Package ir provides the canonical record representation shared by every
// retract package.
//
// This package contains type definitions and pure encoding helpers only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Records are immutable once created. Only the cancellation annotation
//     kept by the store is mutable, and only the engine writes it.
//   - Identity is (author, type family, global time). Cancel-own and
//     cancel-other share the "cancel" family.
//   - Payload values have no float type; numbers are int64.
//   - Canonical JSON (RFC 8785 key order, NFC strings, no HTML escaping) is
//     the only serialization used for signed bodies.
//   - Global time is a per-author logical clock, never a wall-clock value.
package ir
