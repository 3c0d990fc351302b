// Package store is the authoritative server-side event store.
//
// Each aggregate (type + id) owns a gapless, strictly increasing version
// sequence. Appends are optimistic: a batch commits only if every event in
// it continues its aggregate from the current version, and the counter is
// advanced with a compare-and-swap inside the same transaction as the
// inserts. Independent aggregates never touch the same counter row.
//
// Payloads are sealed at rest (see package seal) with the event id and
// aggregate identity as associated data. A record that fails to open is
// reported as CORRUPTION_DETECTED and never skipped or substituted.
//
// # Tables
//
//   - events: one row per event, sealed payload plus plaintext metadata
//   - aggregate_versions: last committed version per aggregate
//   - snapshots: sealed aggregate state at a version
//   - event_migrations: per-event marker so payload migrations resume
//   - sync_conflicts: conflicts recorded by the sync protocol
//
// # Dialects
//
// SQLite (driver "sqlite3") is used for tests and single-node deployments,
// PostgreSQL (driver "pgx") in production. Schema changes are applied with
// golang-migrate from SQL embedded per dialect. Queries are built with
// squirrel so placeholders follow the dialect.
//
// All listing queries order by (timestamp_ms, id) or by version, never by
// insertion order.
package store
