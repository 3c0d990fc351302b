// Package risk correlates independent detector signals into a single
// lockdown decision.
//
// Each detector class (vision, fraud, gate, weight) contributes its
// configured weight to a per-transaction score while its firing is inside
// the observation window. Two or more distinct classes on one transaction
// add a synergy bonus. Crossing the threshold engages a process-wide
// lockdown that blocks payment until a privileged actor lifts it.
//
// The lockdown flag is an atomic so the payment gate always reads the
// current value. Configuration is swapped atomically and may be replaced
// at runtime by a config watcher.
//
// Profiles keeps decaying per-actor risk profiles built from the same
// signals. Profiles are advisory and never gate payment.
package risk
