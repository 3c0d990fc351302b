// Package harness runs scripted checkout scenarios against an isolated edge
// stack and checks what happened.
//
// A harness owns an in-memory edge log, the transaction guard, the risk
// engine and the anomaly detector, all driven by a manual clock and
// sequential IDs. Every step's outcome (error code, phase, appended event
// types, raised alerts, lockdown flag) lands in a Trace that is compared
// byte for byte against a golden file.
//
// # Scenario Format
//
//	name: lockdown
//	description: "Camera plus gate crosses the threshold"
//	config:
//	  tolerance_bps: 500
//	  risk:
//	    threshold: 85
//	steps:
//	  - op: begin
//	    tx: tx-3
//	  - op: signal
//	    kind: gate
//	    tx: tx-3
//	    expect:
//	      lockdown: true
//	assertions:
//	  - type: trace_count
//	    event: LOCKDOWN_ENGAGED
//	    count: 1
//	  - type: final_state
//	    subject: lockdown
//	    expect: { active: true }
//
// # Assertion Types
//
//   - trace_contains: an event type was appended at least once
//   - trace_order: event types first appear in the given order
//   - trace_count: an event type was appended exactly N times
//   - final_state: subset match against a transaction or the lockdown
//
// # Determinism
//
// Production delivers log events to the risk engine and anomaly detector
// through asynchronous subscriptions. The harness pumps them synchronously
// after every step instead, so the same scenario always yields the same
// trace.
package harness
