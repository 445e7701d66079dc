package telemetry

import "time"

// Agent is one remote reporting process known to the backend. Agents are
// auto-registered on first contact; CreatedAt anchors the availability
// window clipping ("Smart Start").
type Agent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	LastSeen  time.Time       `json:"last_seen"`
	Status    HeartbeatStatus `json:"status"`

	// UptimeSeconds is the drift-tolerant running accumulator: incremented
	// by the watchdog tick while the agent is online, reset to zero on an
	// offline-to-online transition and on first sight. It diverges from the
	// exact windowed availability calculation after process restarts (the
	// accumulator resets but historical heartbeats do not); that divergence
	// is accepted, the accumulator exists only for cheap dashboard display.
	UptimeSeconds    int64     `json:"uptime_seconds"`
	AccumulatorEpoch time.Time `json:"accumulator_epoch"`
}
