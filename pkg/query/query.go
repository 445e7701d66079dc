// Package query is the metric read path: it picks the cheapest storage tier
// that can answer a time range and fetches rows from it.
package query

import (
	"context"
	"fmt"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Selection thresholds: the widest range each tier serves under
// auto-selection. Boundaries are inclusive (a 2h range is still raw).
const (
	maxRawRange = 2 * time.Hour
	max1mRange  = 24 * time.Hour
	max15mRange = 7 * 24 * time.Hour
)

// SelectResolution picks the tier for a query duration.
func SelectResolution(d time.Duration) telemetry.Resolution {
	switch {
	case d <= maxRawRange:
		return telemetry.ResolutionRaw
	case d <= max1mRange:
		return telemetry.Resolution1m
	case d <= max15mRange:
		return telemetry.Resolution15m
	default:
		return telemetry.Resolution1h
	}
}

// Watermarks reports how far each rollup tier has been refreshed. Implemented
// by the rollup engine.
type Watermarks interface {
	Watermark(res telemetry.Resolution) time.Time
}

// Result is one answered metric query. Exactly one of Samples or Buckets is
// populated, depending on Resolution; the tier actually used is always
// reported so callers and tests can see the selector's choice.
type Result struct {
	Resolution telemetry.Resolution     `json:"resolution"`
	Samples    []telemetry.MetricSample `json:"samples,omitempty"`
	Buckets    []telemetry.RollupBucket `json:"buckets,omitempty"`
}

// Service answers metric queries against one store.
type Service struct {
	store      storage.Storage
	watermarks Watermarks
}

// New creates the read path. watermarks may be nil, in which case rollup
// staleness is not checked (tests exercising only the selector use this).
func New(store storage.Storage, watermarks Watermarks) *Service {
	return &Service{store: store, watermarks: watermarks}
}

// Metrics fetches rows for one agent in [start, end]. forced pins a tier and
// bypasses auto-selection; a forced rollup tier that has not been refreshed
// into the range fails with ErrStaleRollup, while auto-selection silently
// falls back to finer tiers until one can answer. maxPoints > 0 truncates
// (never resamples) the ascending row set.
func (s *Service) Metrics(ctx context.Context, agentID string, start, end time.Time, maxPoints int, forced *telemetry.Resolution) (*Result, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid range: start %v is not before end %v", start, end)
	}

	res := SelectResolution(end.Sub(start))
	if forced != nil {
		res = *forced
		if s.stale(res, start) {
			return nil, fmt.Errorf("tier %s: %w", res, storage.ErrStaleRollup)
		}
	} else {
		for res != telemetry.ResolutionRaw && s.stale(res, start) {
			res = res.Finer()
		}
	}

	if res == telemetry.ResolutionRaw {
		samples, err := s.store.QuerySamples(ctx, storage.SampleQuery{
			AgentID: agentID, Start: start, End: end, Limit: maxPoints,
		})
		if err != nil {
			return nil, fmt.Errorf("query raw samples: %w", err)
		}
		return &Result{Resolution: res, Samples: samples}, nil
	}

	buckets, err := s.store.QueryBuckets(ctx, storage.BucketQuery{
		AgentID: agentID, Resolution: res, Start: start, End: end, Limit: maxPoints,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s buckets: %w", res, err)
	}
	return &Result{Resolution: res, Buckets: buckets}, nil
}

// stale reports whether the tier's refresh watermark has not yet reached the
// start of the range, i.e. the tier holds no stable bucket for it.
func (s *Service) stale(res telemetry.Resolution, start time.Time) bool {
	if res == telemetry.ResolutionRaw || s.watermarks == nil {
		return false
	}
	wm := s.watermarks.Watermark(res)
	return wm.IsZero() || !wm.After(start)
}
