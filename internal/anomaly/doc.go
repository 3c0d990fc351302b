// Package anomaly keeps per-session and per-actor daily counters for voids,
// refunds and discounts and fires named anomalies when a counter crosses
// its threshold.
//
// Every anomaly is recorded as FRAUD_ANOMALY_DETECTED in the edge log,
// where the risk engine picks it up as a fraud signal. Anomalies at or
// above the critical severity also raise a critical alert and request
// evidence anchoring in the background.
package anomaly
