// Package edgelog is the per-device, hash-chained, append-only event log
// that lets a checkout terminal keep operating while disconnected.
//
// # Guarantees
//
//   - Appends are serialized per device. Each event's PreviousHash is the
//     hash of the event appended before it; the first event has none.
//   - An event exists only once Storage.Append returned nil. A storage
//     failure is returned to the caller and the chain head does not move.
//   - VerifyChain and Audit fail closed. A break is reported and the log is
//     flagged degraded until an operator calls ClearDegraded. Nothing is
//     repaired automatically.
//
// # Subscribers
//
// Each subscriber owns a bounded queue and a goroutine. Append enqueues in
// registration order without blocking; a full queue drops the event for that
// subscriber only and records the drop. A handler that returns an error or
// panics is logged and never affects the append or its siblings.
//
// # Storage
//
// Storage is pluggable. MemoryStorage backs tests; SQLiteStorage is the
// durable implementation (WAL, busy timeout, single connection).
package edgelog
