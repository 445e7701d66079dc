/*
Package storage provides the pluggable persistence abstraction under the
hostbeat engine.

# Storage Interface

Two backends implement the Storage interface:

  - memory: in-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for production

Every algorithm above this package (availability, rollups, retention,
alert-rule resolution) is implemented exactly once against the interface, so
the backends cannot drift apart in behavior. They differ only in physical
persistence.

# Record families

The store keeps six families of rows:

  - raw metric samples, append-only, keyed (agent_id, timestamp) but NOT
    unique: a retried push lands the same sample twice and both are kept
  - rollup buckets at 1m/15m/1h resolution, recomputed wholesale by the
    rollup engine via ReplaceBuckets
  - heartbeat records, append-only liveness history
  - agent records, including the uptime accumulator
  - alert rules and per-target overrides
  - active alerts keyed (target_id, metric)

# Retention tiers

DeleteTierBefore drives the hourly retention sweep. Each tier (raw samples,
each rollup resolution, heartbeats, raw logs, process snapshots) has its own
max-age policy; DeleteOldestSamples supports the best-effort size-cap
eviction, oldest first across agents.

# Write atomicity

WriteSamples persists a batch atomically: after a deadline or error the
caller knows nothing from that batch was stored, so ingestion never loses
data silently.
*/
package storage
