// Package security implements the checkout transaction guard: the state
// machine that decides whether a transaction may proceed to payment.
//
// A transaction moves OPEN -> SCANNING -> BAGGING -> READY_FOR_PAYMENT and
// ends PAID or CANCELLED. LOCKED is an overlay that can be set and cleared
// in any non-terminal phase and always blocks payment, as does a global
// lockdown reported by the LockdownGate.
//
// Every transition is recorded in the edge log before it is applied, and
// state is changed only by applying the recorded event. Replay runs the
// same apply step over a history, so Reconcile can check that the live
// states still match what the log says.
package security
