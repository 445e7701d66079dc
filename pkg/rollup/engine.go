// Package rollup maintains the derived 1m/15m/1h aggregate views of the raw
// sample store.
//
// Each resolution is refreshed by recomputing every bucket in a trailing
// window [now-lookback, now-lag]. The lag keeps a bucket from being computed
// before its raw samples have likely all arrived; recomputing the whole
// window makes refresh idempotent and immune to out-of-order or duplicate
// samples: buckets are replaced wholesale, never patched in place by
// individual writes.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Window bounds one resolution's refresh.
type Window struct {
	Lag      time.Duration
	Lookback time.Duration
}

// Engine recomputes rollup buckets and tracks per-resolution refresh
// watermarks.
type Engine struct {
	store storage.Storage
	log   *slog.Logger
	now   func() time.Time

	mu         sync.RWMutex
	watermarks map[telemetry.Resolution]time.Time
}

// New creates a rollup engine over the given store.
func New(store storage.Storage, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		log:        logger,
		now:        time.Now,
		watermarks: make(map[telemetry.Resolution]time.Time),
	}
}

// Refresh recomputes every bucket of the resolution whose start falls inside
// the trailing window. Safe to re-run; a partially-completed previous pass
// is simply recomputed.
func (e *Engine) Refresh(ctx context.Context, res telemetry.Resolution, w Window) error {
	size := res.BucketSize()
	if size == 0 {
		return fmt.Errorf("refresh: %q is not a rollup resolution", res)
	}

	end := telemetry.AlignBucket(e.now().Add(-w.Lag), res)
	start := telemetry.AlignBucket(end.Add(-w.Lookback), res)
	if !start.Before(end) {
		return nil
	}

	samples, err := e.store.QuerySamples(ctx, storage.SampleQuery{
		Start: start,
		End:   end.Add(-time.Nanosecond),
	})
	if err != nil {
		return fmt.Errorf("query raw samples: %w", err)
	}

	buckets := Aggregate(samples, res)
	if err := e.store.ReplaceBuckets(ctx, res, start, end, buckets); err != nil {
		return fmt.Errorf("replace buckets: %w", err)
	}

	e.mu.Lock()
	if end.After(e.watermarks[res]) {
		e.watermarks[res] = end
	}
	e.mu.Unlock()

	e.log.Debug("rollup refreshed",
		"resolution", res, "window_start", start, "window_end", end,
		"samples", len(samples), "buckets", len(buckets))
	return nil
}

// Watermark reports how far the resolution has been refreshed: buckets
// starting at or after the watermark are not yet stable. Zero before the
// first successful refresh.
func (e *Engine) Watermark(res telemetry.Resolution) time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watermarks[res]
}

// bucketRef combines one agent with one aligned bucket start.
type bucketRef struct {
	agentID string
	start   int64
}

// accumulator collects one bucket's running aggregate.
type accumulator struct {
	count int64
	sum   [numFields]float64
	min   [numFields]float64
	max   [numFields]float64
}

// Aggregate groups samples into avg/min/max buckets of the given resolution.
// Tolerates out-of-order and duplicate-timestamp samples: grouping is by
// bucket, not by arrival order, and duplicates simply weight the average.
func Aggregate(samples []telemetry.MetricSample, res telemetry.Resolution) []telemetry.RollupBucket {
	accs := make(map[bucketRef]*accumulator)
	for i := range samples {
		m := &samples[i]
		ref := bucketRef{
			agentID: m.AgentID,
			start:   telemetry.AlignBucket(m.Timestamp, res).UnixNano(),
		}
		acc, ok := accs[ref]
		if !ok {
			acc = &accumulator{}
			for f := range sampleFields {
				v := sampleFields[f].value(m)
				acc.min[f] = v
				acc.max[f] = v
			}
			accs[ref] = acc
		}
		acc.count++
		for f := range sampleFields {
			v := sampleFields[f].value(m)
			acc.sum[f] += v
			if v < acc.min[f] {
				acc.min[f] = v
			}
			if v > acc.max[f] {
				acc.max[f] = v
			}
		}
	}

	buckets := make([]telemetry.RollupBucket, 0, len(accs))
	for ref, acc := range accs {
		b := telemetry.RollupBucket{
			AgentID:     ref.agentID,
			BucketStart: time.Unix(0, ref.start).UTC(),
			Resolution:  res,
			SampleCount: acc.count,
		}
		for f := range sampleFields {
			*sampleFields[f].field(&b) = telemetry.AggField{
				Avg: acc.sum[f] / float64(acc.count),
				Min: acc.min[f],
				Max: acc.max[f],
			}
		}
		buckets = append(buckets, b)
	}
	return buckets
}
