// Package reconcile implements the sync protocol between edge devices and
// the server event store.
//
// Push takes a batch of edge events and places each one in its aggregate's
// server stream. The event id is the deduplication key, so a push can be
// retried after an unknown transport outcome. When a candidate claims a
// version slot already held by a different event, the configured strategy
// picks a winner:
//
//   - last_write_wins: later timestamp wins; equal timestamps fall to the
//     greater id
//   - vector_clock: a dominating clock wins; concurrent or equal clocks
//     fall back to last_write_wins
//   - merge: payloads are merged field by field; any disagreeing scalar
//     abandons the merge for last_write_wins
//   - manual: the caller supplies a decision per candidate, otherwise the
//     conflict is queued for later resolution
//
// The server log is append-only, so a winning candidate never overwrites
// the slot it lost. It is appended at the next free version instead
// (a rebase). The edge hash stays valid because versions are outside the
// digest.
//
// Conflicts are returned as data, never as errors, so the rest of the batch
// still commits.
package reconcile
