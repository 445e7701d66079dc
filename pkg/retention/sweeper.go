// Package retention enforces the per-tier max-age policies and the overall
// storage-size cap.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hostbeat/pkg/config"
	"hostbeat/pkg/storage"
)

// maxEvictBatches bounds one sweep's size-cap work; eviction is best-effort
// and the next sweep continues where this one stopped.
const maxEvictBatches = 50

// Report summarizes one sweep pass.
type Report struct {
	DeletedPerTier map[storage.Tier]int    `json:"deleted_per_tier"`
	Evicted        int                     `json:"evicted_for_size_cap"`
	DurationMs     int64                   `json:"duration_ms"`
	TierErrors     map[storage.Tier]string `json:"tier_errors,omitempty"`
}

// Sweeper deletes rows past their tier's max age and, when total storage
// exceeds the size cap, evicts the oldest raw samples in bounded batches.
type Sweeper struct {
	store storage.Storage
	cfg   func() config.Retention
	log   *slog.Logger
	now   func() time.Time
}

// New creates a sweeper. cfg is read per pass so policy reloads apply on the
// next sweep.
func New(store storage.Storage, cfg func() config.Retention, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, cfg: cfg, log: logger, now: time.Now}
}

// Sweep runs one full retention pass. A failing tier is recorded and the
// remaining tiers still run; only a completely unusable store is an error.
// Re-running a partially-completed sweep is safe since deletes are idempotent.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	start := s.now()
	policy := s.cfg()
	report := &Report{DeletedPerTier: make(map[storage.Tier]int)}

	tiers := []struct {
		tier   storage.Tier
		maxAge time.Duration
	}{
		{storage.TierRawSamples, policy.RawSamples.D()},
		{storage.TierRollup1m, policy.Rollup1m.D()},
		{storage.TierRollup15m, policy.Rollup15m.D()},
		{storage.TierRollup1h, policy.Rollup1h.D()},
		{storage.TierHeartbeats, policy.Heartbeats.D()},
		{storage.TierLogs, policy.Logs.D()},
		{storage.TierProcessSnapshots, policy.ProcessSnapshots.D()},
	}

	for _, t := range tiers {
		if t.maxAge <= 0 {
			continue
		}
		cutoff := start.Add(-t.maxAge)
		deleted, err := s.store.DeleteTierBefore(ctx, t.tier, cutoff)
		if err != nil {
			// One tier's failure must not starve the rest; it is retried
			// on the next scheduled pass.
			if report.TierErrors == nil {
				report.TierErrors = make(map[storage.Tier]string)
			}
			report.TierErrors[t.tier] = err.Error()
			s.log.Error("tier cleanup failed", "tier", t.tier, "err", err)
			continue
		}
		report.DeletedPerTier[t.tier] = deleted
		if deleted > 0 {
			s.log.Info("tier cleaned", "tier", t.tier, "deleted", deleted, "cutoff", cutoff)
		}
	}

	evicted, err := s.enforceSizeCap(ctx, policy)
	if err != nil {
		s.log.Error("size-cap eviction failed", "err", err)
	}
	report.Evicted = evicted

	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}

// enforceSizeCap deletes the oldest raw samples, across agents, until usage
// drops under the cap or nothing deletable remains.
func (s *Sweeper) enforceSizeCap(ctx context.Context, policy config.Retention) (int, error) {
	if policy.MaxStorageBytes <= 0 {
		return 0, nil
	}
	batch := policy.EvictBatch
	if batch <= 0 {
		batch = 1000
	}
	evicted := 0
	for i := 0; i < maxEvictBatches; i++ {
		stats, err := s.store.Stats(ctx)
		if err != nil {
			return evicted, fmt.Errorf("storage stats: %w", err)
		}
		if stats.SizeBytes <= uint64(policy.MaxStorageBytes) {
			return evicted, nil
		}
		n, err := s.store.DeleteOldestSamples(ctx, batch)
		if err != nil {
			return evicted, fmt.Errorf("evict oldest samples: %w", err)
		}
		if n == 0 {
			s.log.Warn("storage over size cap but no deletable rows remain",
				"size_bytes", stats.SizeBytes, "cap_bytes", policy.MaxStorageBytes)
			return evicted, nil
		}
		evicted += n
	}
	return evicted, nil
}
