// Package availability computes point-in-time uptime percentages from an
// agent's heartbeat history.
//
// The windowed calculation is pure: it walks consecutive heartbeats and
// credits each gap up to the heartbeat TTL, so a missing stretch longer than
// the TTL counts as downtime past the TTL portion. The window is clipped to
// the agent's creation time ("Smart Start") so a freshly registered agent is
// not penalized for the time before it existed.
//
// Policy decisions (documented here because the behavior is not forced by
// the algorithm):
//
//   - An agent with no heartbeats ever recorded scores 0%. The 100%
//     benefit-of-the-doubt branch is reserved for agents that have reported
//     but whose measurable window is shorter than a minute; an agent that
//     has never reported once is treated as down.
//   - An agent with no heartbeats inside the window but a current live
//     status of online scores 100%: the history was purged or the window
//     predates retention, and the live signal wins.
//   - Heartbeats are sorted by timestamp before the gap walk, so a
//     backwards clock step degrades to a no-op instead of producing
//     negative gaps.
package availability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// minimumWindow is the shortest span the calculation considers meaningful.
const minimumWindow = time.Minute

// Result is the outcome of one availability computation. NotApplicable is a
// result, not an error: a window outside the agent's life is routine.
type Result struct {
	Applicable bool    `json:"applicable"`
	Percent    float64 `json:"percent"`
	Reason     string  `json:"reason,omitempty"`
}

func notApplicable(reason string) Result {
	return Result{Applicable: false, Reason: reason}
}

func percent(p float64, reason string) Result {
	return Result{Applicable: true, Percent: p, Reason: reason}
}

// Calculator computes windowed availability against one store.
type Calculator struct {
	store storage.Storage
}

// New creates a calculator.
func New(store storage.Storage) *Calculator {
	return &Calculator{store: store}
}

// Compute returns the agent's uptime percentage over [start, end]. ttl is
// how much elapsed time a single heartbeat covers before being considered
// stale, nominally twice the heartbeat interval.
func (c *Calculator) Compute(ctx context.Context, agentID string, start, end time.Time, ttl time.Duration) (Result, error) {
	agent, ok, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return Result{}, fmt.Errorf("load agent: %w", err)
	}
	if !ok {
		return notApplicable("unknown agent"), nil
	}

	// Smart Start: never penalize the agent for time before it existed.
	adjustedStart := start
	if agent.CreatedAt.After(adjustedStart) {
		adjustedStart = agent.CreatedAt
	}
	if !agent.CreatedAt.Before(end) {
		return notApplicable("not yet created"), nil
	}
	if end.Sub(adjustedStart) < minimumWindow {
		return notApplicable("period too short"), nil
	}

	first, hasAny, err := c.store.FirstHeartbeat(ctx, agentID)
	if err != nil {
		return Result{}, fmt.Errorf("load first heartbeat: %w", err)
	}
	if !hasAny {
		return percent(0, "no heartbeats recorded"), nil
	}

	measurementStart := adjustedStart
	if first.Timestamp.After(measurementStart) {
		measurementStart = first.Timestamp
	}
	totalPossible := end.Sub(measurementStart)
	if totalPossible < minimumWindow {
		// The agent has barely started reporting; insufficient measurement
		// period, not insufficient uptime.
		return percent(100, "insufficient measurement period"), nil
	}

	history, err := c.store.QueryHeartbeats(ctx, agentID, measurementStart, end)
	if err != nil {
		return Result{}, fmt.Errorf("load heartbeats: %w", err)
	}
	// Offline records mark transitions; only online heartbeats are liveness
	// signals that earn coverage.
	heartbeats := history[:0:0]
	for _, hb := range history {
		if hb.Status == telemetry.StatusOnline {
			heartbeats = append(heartbeats, hb)
		}
	}
	if len(heartbeats) == 0 {
		if agent.Status == telemetry.StatusOnline {
			return percent(100, "no in-window history, agent live"), nil
		}
		return percent(0, "offline during period"), nil
	}

	sort.Slice(heartbeats, func(i, j int) bool {
		return heartbeats[i].Timestamp.Before(heartbeats[j].Timestamp)
	})

	var uptime time.Duration
	prev := measurementStart
	for _, hb := range heartbeats {
		if gap := hb.Timestamp.Sub(prev); gap > 0 {
			uptime += minDuration(gap, ttl)
		}
		prev = hb.Timestamp
	}
	// Trailing segment: the last heartbeat covers up to ttl of the remainder.
	if trailing := end.Sub(prev); trailing > 0 {
		uptime += minDuration(trailing, ttl)
	}

	if uptime > totalPossible {
		uptime = totalPossible
	}
	pct := float64(uptime) / float64(totalPossible) * 100
	pct = math.Round(pct*100) / 100
	if pct > 100 {
		pct = 100
	}
	return percent(pct, ""), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
