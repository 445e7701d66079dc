package telemetry

import (
	"encoding/json"
	"time"
)

// Resolution identifies one tier of stored metric data.
type Resolution string

const (
	ResolutionRaw Resolution = "raw" // original samples
	Resolution1m  Resolution = "1m"  // 1-minute rollup buckets
	Resolution15m Resolution = "15m" // 15-minute rollup buckets
	Resolution1h  Resolution = "1h"  // 1-hour rollup buckets
)

// BucketSize returns the bucket width for a rollup resolution, or zero for raw.
func (r Resolution) BucketSize() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution15m:
		return 15 * time.Minute
	case Resolution1h:
		return time.Hour
	}
	return 0
}

// Finer returns the next finer tier, bottoming out at raw.
func (r Resolution) Finer() Resolution {
	switch r {
	case Resolution1h:
		return Resolution15m
	case Resolution15m:
		return Resolution1m
	}
	return ResolutionRaw
}

// MetricSample is one raw report from an agent. Samples are immutable once
// written; the natural key (agent_id, timestamp) is NOT unique: retried
// pushes may land the same sample twice and both copies are kept.
type MetricSample struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	NetUp      float64 `json:"net_up"`
	NetDown    float64 `json:"net_down"`
	DiskRead   float64 `json:"disk_read"`
	DiskWrite  float64 `json:"disk_write"`
	Ping       float64 `json:"ping"`
	CPUTemp    float64 `json:"cpu_temp"`
	LoadAvg    float64 `json:"load_avg"`

	// Extra carries opaque structured payload the agent reports alongside
	// the numeric fields (per-disk stats, GPU stats, VM flag). Stored and
	// returned verbatim, never aggregated.
	Extra json.RawMessage `json:"extra,omitempty"`
}

// AggField holds the avg/min/max triplet for one numeric sample field.
type AggField struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RollupBucket is a derived aggregate over one bucket of one agent's samples.
// Buckets are recomputed wholesale by the rollup engine and never patched in
// place by individual writes.
type RollupBucket struct {
	AgentID     string     `json:"agent_id"`
	BucketStart time.Time  `json:"bucket_start"`
	Resolution  Resolution `json:"resolution"`
	SampleCount int64      `json:"sample_count"`

	CPUPercent AggField `json:"cpu_percent"`
	RAMPercent AggField `json:"ram_percent"`
	NetUp      AggField `json:"net_up"`
	NetDown    AggField `json:"net_down"`
	DiskRead   AggField `json:"disk_read"`
	DiskWrite  AggField `json:"disk_write"`
	Ping       AggField `json:"ping"`
	CPUTemp    AggField `json:"cpu_temp"`
	LoadAvg    AggField `json:"load_avg"`
}

// HeartbeatStatus is the liveness state carried by a heartbeat record.
type HeartbeatStatus string

const (
	StatusOnline  HeartbeatStatus = "online"
	StatusOffline HeartbeatStatus = "offline"
)

// HeartbeatRecord is one append-only liveness signal. One record is expected
// per watchdog tick per currently-known agent.
type HeartbeatRecord struct {
	AgentID   string          `json:"agent_id"`
	Timestamp time.Time       `json:"timestamp"`
	Status    HeartbeatStatus `json:"status"`
}

// AlignBucket floors t to the bucket boundary for the given resolution.
func AlignBucket(t time.Time, res Resolution) time.Time {
	size := res.BucketSize()
	if size == 0 {
		return t
	}
	return t.Truncate(size)
}
