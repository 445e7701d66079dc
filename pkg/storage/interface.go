package storage

import (
	"context"
	"time"

	"hostbeat/pkg/telemetry"
)

// Storage is the single persistence abstraction behind the engine. The
// availability, rollup, retention and alert-resolution algorithms are written
// once against this interface; backends differ only in how rows are
// physically kept.
//
// Implementations: memory (tests, ephemeral runs), badger (production).
//
// Ordering contract: QuerySamples, QueryBuckets and QueryHeartbeats return
// rows in ascending timestamp order. Backends accept out-of-order and
// duplicate-timestamp sample writes; duplicate (agent_id, timestamp) samples
// are preserved, not collapsed.
type Storage interface {
	// WriteSamples durably appends a batch of validated samples. The batch
	// is atomic: on error no sample of the batch was persisted, so a caller
	// whose deadline expired knows exactly what was lost.
	WriteSamples(ctx context.Context, samples []telemetry.MetricSample) error
	QuerySamples(ctx context.Context, q SampleQuery) ([]telemetry.MetricSample, error)

	// ReplaceBuckets atomically swaps every bucket of the given resolution
	// whose bucket_start falls in [start, end) for the supplied set. Safe to
	// re-run with identical input: the rollup engine recomputes windows
	// idempotently instead of patching buckets in place.
	ReplaceBuckets(ctx context.Context, res telemetry.Resolution, start, end time.Time, buckets []telemetry.RollupBucket) error
	QueryBuckets(ctx context.Context, q BucketQuery) ([]telemetry.RollupBucket, error)

	WriteHeartbeat(ctx context.Context, hb telemetry.HeartbeatRecord) error
	QueryHeartbeats(ctx context.Context, agentID string, start, end time.Time) ([]telemetry.HeartbeatRecord, error)
	// FirstHeartbeat returns the earliest heartbeat ever recorded for the
	// agent, across all time.
	FirstHeartbeat(ctx context.Context, agentID string) (telemetry.HeartbeatRecord, bool, error)

	GetAgent(ctx context.Context, id string) (telemetry.Agent, bool, error)
	ListAgents(ctx context.Context) ([]telemetry.Agent, error)
	UpsertAgent(ctx context.Context, agent telemetry.Agent) error
	// TouchAgent bumps last_seen, registering the agent on first contact.
	TouchAgent(ctx context.Context, id string, at time.Time) error
	// SetAgentStatus applies a status transition in one atomic step: an
	// offline-to-online transition (or first sight) resets the uptime
	// accumulator to zero and stamps a new accumulator epoch.
	SetAgentStatus(ctx context.Context, id string, status telemetry.HeartbeatStatus, at time.Time) error
	// TickUptime adds interval to the accumulator of every agent whose
	// status is online, as a single atomic conditional update. Returns the
	// number of agents credited.
	TickUptime(ctx context.Context, interval time.Duration) (int, error)

	PutRule(ctx context.Context, rule telemetry.AlertRule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
	ListRules(ctx context.Context, tenantID string) ([]telemetry.AlertRule, error)
	PutOverride(ctx context.Context, o telemetry.RuleOverride) error
	DeleteOverride(ctx context.Context, ruleID string, targetType telemetry.RuleScope, targetID string) error
	ListOverrides(ctx context.Context, targetType telemetry.RuleScope, targetID string) ([]telemetry.RuleOverride, error)

	GetActiveAlert(ctx context.Context, targetID, metric string) (telemetry.ActiveAlert, bool, error)
	PutActiveAlert(ctx context.Context, a telemetry.ActiveAlert) error
	ListActiveAlerts(ctx context.Context) ([]telemetry.ActiveAlert, error)

	// DeleteTierBefore removes every row of the tier older than cutoff and
	// returns how many were removed. Used by the retention sweeper.
	DeleteTierBefore(ctx context.Context, tier Tier, cutoff time.Time) (int, error)
	// DeleteOldestSamples removes up to batch raw samples, oldest first
	// across all agents. Used for size-cap eviction.
	DeleteOldestSamples(ctx context.Context, batch int) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SampleQuery selects raw samples. Empty AgentID means all agents.
type SampleQuery struct {
	AgentID string
	Start   time.Time
	End     time.Time
	Limit   int // 0 = no limit
}

// BucketQuery selects rollup buckets of one resolution. Empty AgentID means
// all agents.
type BucketQuery struct {
	AgentID    string
	Resolution telemetry.Resolution
	Start      time.Time
	End        time.Time
	Limit      int
}

// Tier names one retention policy target. The raw-log and process-snapshot
// tiers are swept like the rest even though their ingestion surfaces live
// outside this engine.
type Tier string

const (
	TierRawSamples       Tier = "raw_samples"
	TierRollup1m         Tier = "rollup_1m"
	TierRollup15m        Tier = "rollup_15m"
	TierRollup1h         Tier = "rollup_1h"
	TierHeartbeats       Tier = "heartbeats"
	TierLogs             Tier = "logs"
	TierProcessSnapshots Tier = "process_snapshots"
)

// Stats provides storage health and usage info for the health surface and
// the size-cap check.
type Stats struct {
	RowsPerTier  map[Tier]uint64 `json:"rows_per_tier"`
	Agents       uint64          `json:"agents"`
	SizeBytes    uint64          `json:"size_bytes"`
	OldestSample time.Time       `json:"oldest_sample,omitempty"`
	NewestSample time.Time       `json:"newest_sample,omitempty"`
}
