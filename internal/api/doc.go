// Package api exposes tillguard over HTTP.
//
// Two routers share one middleware stack (request id, zap request logging,
// panic recovery, bearer authentication) and one response envelope:
//
//	{"success": true, "data": ...}
//	{"success": false, "error": {"code": "PAYMENT_BLOCKED", "message": "..."}}
//
// Server mounts the central event store and the sync protocol. Edge mounts
// the checkout security surface of a single device: transactions, hardware
// signals, cashier session adjustments, lockdown, chain verification and
// review, and the replay reconciliation check.
package api
