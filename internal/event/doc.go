// Package event defines the immutable event model shared by the edge log,
// the server store and the security engines.
//
// This package imports nothing internal except fault. Every other package
// builds on it.
//
// Key constraints:
//   - Payload values are a sealed set (String, Int, Bool, Array, Object, Null).
//     There is no float type: weights are integer grams, money is integer
//     minor units, ratios are basis points.
//   - Digest input is canonical JSON (RFC 8785 key order, NFC strings) so the
//     same event hashes identically on every platform.
//   - Version and aggregate identifiers are outside the digest. The server may
//     rebase a conflicting event to a later version without invalidating the
//     hash the edge device computed.
//   - Timestamps are truncated to milliseconds at creation.
package event
