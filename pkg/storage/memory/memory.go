// Package memory stores all telemetry in process memory. Data is lost on
// restart. Useful for tests and ephemeral development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Storage is a mutex-guarded in-memory backend.
type Storage struct {
	mu sync.RWMutex

	samples    []telemetry.MetricSample
	buckets    map[telemetry.Resolution][]telemetry.RollupBucket
	heartbeats map[string][]telemetry.HeartbeatRecord
	agents     map[string]telemetry.Agent
	rules      map[string]telemetry.AlertRule
	overrides  map[string]telemetry.RuleOverride
	alerts     map[string]telemetry.ActiveAlert
}

// New creates an empty in-memory backend.
func New() *Storage {
	return &Storage{
		samples:    make([]telemetry.MetricSample, 0, 4096),
		buckets:    make(map[telemetry.Resolution][]telemetry.RollupBucket),
		heartbeats: make(map[string][]telemetry.HeartbeatRecord),
		agents:     make(map[string]telemetry.Agent),
		rules:      make(map[string]telemetry.AlertRule),
		overrides:  make(map[string]telemetry.RuleOverride),
		alerts:     make(map[string]telemetry.ActiveAlert),
	}
}

func (s *Storage) WriteSamples(ctx context.Context, samples []telemetry.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *Storage) QuerySamples(ctx context.Context, q storage.SampleQuery) ([]telemetry.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.MetricSample
	for _, m := range s.samples {
		if q.AgentID != "" && m.AgentID != q.AgentID {
			continue
		}
		if m.Timestamp.Before(q.Start) || m.Timestamp.After(q.End) {
			continue
		}
		results = append(results, m)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (s *Storage) ReplaceBuckets(ctx context.Context, res telemetry.Resolution, start, end time.Time, buckets []telemetry.RollupBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]telemetry.RollupBucket, 0, len(s.buckets[res]))
	for _, b := range s.buckets[res] {
		if b.BucketStart.Before(start) || !b.BucketStart.Before(end) {
			kept = append(kept, b)
		}
	}
	kept = append(kept, buckets...)
	s.buckets[res] = kept
	return nil
}

func (s *Storage) QueryBuckets(ctx context.Context, q storage.BucketQuery) ([]telemetry.RollupBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.RollupBucket
	for _, b := range s.buckets[q.Resolution] {
		if q.AgentID != "" && b.AgentID != q.AgentID {
			continue
		}
		if b.BucketStart.Before(q.Start) || b.BucketStart.After(q.End) {
			continue
		}
		results = append(results, b)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BucketStart.Before(results[j].BucketStart)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (s *Storage) WriteHeartbeat(ctx context.Context, hb telemetry.HeartbeatRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hbs := append(s.heartbeats[hb.AgentID], hb)
	// Keep per-agent history sorted so reads stay ascending even when a
	// heartbeat arrives out of order.
	sort.Slice(hbs, func(i, j int) bool { return hbs[i].Timestamp.Before(hbs[j].Timestamp) })
	s.heartbeats[hb.AgentID] = hbs
	return nil
}

func (s *Storage) QueryHeartbeats(ctx context.Context, agentID string, start, end time.Time) ([]telemetry.HeartbeatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.HeartbeatRecord
	for _, hb := range s.heartbeats[agentID] {
		if hb.Timestamp.Before(start) || hb.Timestamp.After(end) {
			continue
		}
		results = append(results, hb)
	}
	return results, nil
}

func (s *Storage) FirstHeartbeat(ctx context.Context, agentID string) (telemetry.HeartbeatRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.HeartbeatRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	hbs := s.heartbeats[agentID]
	if len(hbs) == 0 {
		return telemetry.HeartbeatRecord{}, false, nil
	}
	return hbs[0], true, nil
}

func (s *Storage) GetAgent(ctx context.Context, id string) (telemetry.Agent, bool, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Agent{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok, nil
}

func (s *Storage) ListAgents(ctx context.Context) ([]telemetry.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]telemetry.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *Storage) UpsertAgent(ctx context.Context, agent telemetry.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	return nil
}

func (s *Storage) TouchAgent(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		a = telemetry.Agent{ID: id, CreatedAt: at, Status: telemetry.StatusOffline}
	}
	if at.After(a.LastSeen) {
		a.LastSeen = at
	}
	s.agents[id] = a
	return nil
}

func (s *Storage) SetAgentStatus(ctx context.Context, id string, status telemetry.HeartbeatStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		a = telemetry.Agent{ID: id, CreatedAt: at}
	}
	if status == telemetry.StatusOnline && (!ok || a.Status != telemetry.StatusOnline) {
		a.UptimeSeconds = 0
		a.AccumulatorEpoch = at
	}
	a.Status = status
	if at.After(a.LastSeen) {
		a.LastSeen = at
	}
	s.agents[id] = a
	return nil
}

func (s *Storage) TickUptime(ctx context.Context, interval time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credited := 0
	for id, a := range s.agents {
		if a.Status != telemetry.StatusOnline {
			continue
		}
		a.UptimeSeconds += int64(interval / time.Second)
		s.agents[id] = a
		credited++
	}
	return credited, nil
}

func ruleKey(tenantID, ruleID string) string { return tenantID + "\x00" + ruleID }

func overrideKey(ruleID string, targetType telemetry.RuleScope, targetID string) string {
	return ruleID + "\x00" + string(targetType) + "\x00" + targetID
}

func alertKey(targetID, metric string) string { return targetID + "\x00" + metric }

func (s *Storage) PutRule(ctx context.Context, rule telemetry.AlertRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[ruleKey(rule.TenantID, rule.ID)] = rule
	return nil
}

func (s *Storage) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, ruleKey(tenantID, ruleID))
	return nil
}

func (s *Storage) ListRules(ctx context.Context, tenantID string) ([]telemetry.AlertRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []telemetry.AlertRule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *Storage) PutOverride(ctx context.Context, o telemetry.RuleOverride) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(o.RuleID, o.TargetType, o.TargetID)] = o
	return nil
}

func (s *Storage) DeleteOverride(ctx context.Context, ruleID string, targetType telemetry.RuleScope, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, overrideKey(ruleID, targetType, targetID))
	return nil
}

func (s *Storage) ListOverrides(ctx context.Context, targetType telemetry.RuleScope, targetID string) ([]telemetry.RuleOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.RuleOverride
	for _, o := range s.overrides {
		if o.TargetType == targetType && o.TargetID == targetID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Storage) GetActiveAlert(ctx context.Context, targetID, metric string) (telemetry.ActiveAlert, bool, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.ActiveAlert{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertKey(targetID, metric)]
	return a, ok, nil
}

func (s *Storage) PutActiveAlert(ctx context.Context, a telemetry.ActiveAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alertKey(a.TargetID, a.Metric)] = a
	return nil
}

func (s *Storage) ListActiveAlerts(ctx context.Context) ([]telemetry.ActiveAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.ActiveAlert
	for _, a := range s.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (s *Storage) DeleteTierBefore(ctx context.Context, tier storage.Tier, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch tier {
	case storage.TierRawSamples:
		kept := s.samples[:0]
		deleted := 0
		for _, m := range s.samples {
			if m.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, m)
		}
		s.samples = kept
		return deleted, nil
	case storage.TierRollup1m, storage.TierRollup15m, storage.TierRollup1h:
		res := tierResolution(tier)
		kept := make([]telemetry.RollupBucket, 0, len(s.buckets[res]))
		deleted := 0
		for _, b := range s.buckets[res] {
			if b.BucketStart.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, b)
		}
		s.buckets[res] = kept
		return deleted, nil
	case storage.TierHeartbeats:
		deleted := 0
		for id, hbs := range s.heartbeats {
			kept := hbs[:0]
			for _, hb := range hbs {
				if hb.Timestamp.Before(cutoff) {
					deleted++
					continue
				}
				kept = append(kept, hb)
			}
			s.heartbeats[id] = kept
		}
		return deleted, nil
	case storage.TierLogs, storage.TierProcessSnapshots:
		// These families are written by surfaces outside the engine; the
		// memory backend never holds them.
		return 0, nil
	}
	return 0, nil
}

func (s *Storage) DeleteOldestSamples(ctx context.Context, batch int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batch <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0, nil
	}
	sort.Slice(s.samples, func(i, j int) bool {
		return s.samples[i].Timestamp.Before(s.samples[j].Timestamp)
	})
	if batch > len(s.samples) {
		batch = len(s.samples)
	}
	s.samples = append(s.samples[:0:0], s.samples[batch:]...)
	return batch, nil
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		RowsPerTier: make(map[storage.Tier]uint64),
		Agents:      uint64(len(s.agents)),
	}
	stats.RowsPerTier[storage.TierRawSamples] = uint64(len(s.samples))
	stats.RowsPerTier[storage.TierRollup1m] = uint64(len(s.buckets[telemetry.Resolution1m]))
	stats.RowsPerTier[storage.TierRollup15m] = uint64(len(s.buckets[telemetry.Resolution15m]))
	stats.RowsPerTier[storage.TierRollup1h] = uint64(len(s.buckets[telemetry.Resolution1h]))
	var hbRows uint64
	for _, hbs := range s.heartbeats {
		hbRows += uint64(len(hbs))
	}
	stats.RowsPerTier[storage.TierHeartbeats] = hbRows

	for _, m := range s.samples {
		if stats.OldestSample.IsZero() || m.Timestamp.Before(stats.OldestSample) {
			stats.OldestSample = m.Timestamp
		}
		if m.Timestamp.After(stats.NewestSample) {
			stats.NewestSample = m.Timestamp
		}
	}

	// Rough estimate, ~150 bytes per row.
	var rows uint64
	for _, n := range stats.RowsPerTier {
		rows += n
	}
	stats.SizeBytes = rows * 150
	return stats, nil
}

func (s *Storage) Close() error { return nil }

func tierResolution(tier storage.Tier) telemetry.Resolution {
	switch tier {
	case storage.TierRollup1m:
		return telemetry.Resolution1m
	case storage.TierRollup15m:
		return telemetry.Resolution15m
	case storage.TierRollup1h:
		return telemetry.Resolution1h
	}
	return telemetry.ResolutionRaw
}
