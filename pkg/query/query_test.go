package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/storage/memory"
	"hostbeat/pkg/telemetry"
)

func TestSelectResolution_Boundaries(t *testing.T) {
	cases := []struct {
		name string
		d    time.Duration
		want telemetry.Resolution
	}{
		{"five minutes", 5 * time.Minute, telemetry.ResolutionRaw},
		{"exactly 2h", 2 * time.Hour, telemetry.ResolutionRaw},
		{"just over 2h", 2*time.Hour + time.Second, telemetry.Resolution1m},
		{"exactly 24h", 24 * time.Hour, telemetry.Resolution1m},
		{"just over 24h", 24*time.Hour + time.Second, telemetry.Resolution15m},
		{"exactly 7d", 7 * 24 * time.Hour, telemetry.Resolution15m},
		{"just over 7d", 7*24*time.Hour + time.Second, telemetry.Resolution1h},
		{"thirty days", 30 * 24 * time.Hour, telemetry.Resolution1h},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectResolution(tc.d); got != tc.want {
				t.Errorf("SelectResolution(%v) = %s, want %s", tc.d, got, tc.want)
			}
		})
	}
}

// fakeWatermarks reports fixed refresh positions per tier.
type fakeWatermarks map[telemetry.Resolution]time.Time

func (f fakeWatermarks) Watermark(res telemetry.Resolution) time.Time { return f[res] }

func TestMetrics_RawRange(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: base, CPUPercent: 10},
		{AgentID: "a1", Timestamp: base.Add(time.Minute), CPUPercent: 20},
		{AgentID: "a2", Timestamp: base.Add(time.Minute), CPUPercent: 99},
	}
	if err := store.WriteSamples(ctx, samples); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	svc := New(store, nil)
	result, err := svc.Metrics(ctx, "a1", base.Add(-time.Hour), base.Add(time.Hour), 0, nil)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if result.Resolution != telemetry.ResolutionRaw {
		t.Errorf("expected raw resolution for a 2h range, got %s", result.Resolution)
	}
	if len(result.Samples) != 2 {
		t.Fatalf("expected 2 samples for a1, got %d", len(result.Samples))
	}
	if result.Samples[0].CPUPercent != 10 || result.Samples[1].CPUPercent != 20 {
		t.Errorf("samples not in ascending timestamp order: %+v", result.Samples)
	}
}

func TestMetrics_AutoFallsBackToFinerTier(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	// A 3h range auto-selects 1m, but the 1m tier has no refresh watermark
	// yet, so the read must fall back to raw.
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: base.Add(time.Hour), CPUPercent: 42},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	svc := New(store, fakeWatermarks{})
	result, err := svc.Metrics(ctx, "a1", base, base.Add(3*time.Hour), 0, nil)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if result.Resolution != telemetry.ResolutionRaw {
		t.Errorf("expected fallback to raw, got %s", result.Resolution)
	}
	if len(result.Samples) != 1 {
		t.Errorf("expected the raw sample after fallback, got %d rows", len(result.Samples))
	}
}

func TestMetrics_ForcedStaleTierFails(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	forced := telemetry.Resolution1h
	svc := New(store, fakeWatermarks{})

	_, err := svc.Metrics(ctx, "a1", base, base.Add(time.Hour), 0, &forced)
	if !errors.Is(err, storage.ErrStaleRollup) {
		t.Fatalf("expected ErrStaleRollup for a forced unrefreshed tier, got %v", err)
	}
}

func TestMetrics_ForcedRefreshedTierServes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bucket := telemetry.RollupBucket{
		AgentID:     "a1",
		BucketStart: base,
		Resolution:  telemetry.Resolution1h,
		SampleCount: 60,
		CPUPercent:  telemetry.AggField{Avg: 50, Min: 10, Max: 90},
	}
	if err := store.ReplaceBuckets(ctx, telemetry.Resolution1h, base, base.Add(time.Hour), []telemetry.RollupBucket{bucket}); err != nil {
		t.Fatalf("ReplaceBuckets failed: %v", err)
	}

	forced := telemetry.Resolution1h
	svc := New(store, fakeWatermarks{telemetry.Resolution1h: base.Add(2 * time.Hour)})
	result, err := svc.Metrics(ctx, "a1", base, base.Add(time.Hour), 0, &forced)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if result.Resolution != telemetry.Resolution1h {
		t.Errorf("expected forced 1h tier, got %s", result.Resolution)
	}
	if len(result.Buckets) != 1 || result.Buckets[0].CPUPercent.Avg != 50 {
		t.Errorf("unexpected buckets: %+v", result.Buckets)
	}
}

func TestMetrics_MaxPointsTruncates(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var samples []telemetry.MetricSample
	for i := 0; i < 10; i++ {
		samples = append(samples, telemetry.MetricSample{
			AgentID:   "a1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := store.WriteSamples(ctx, samples); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	svc := New(store, nil)
	result, err := svc.Metrics(ctx, "a1", base.Add(-time.Minute), base.Add(time.Hour), 3, nil)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if len(result.Samples) != 3 {
		t.Errorf("expected truncation to 3 points, got %d", len(result.Samples))
	}
	if !result.Samples[0].Timestamp.Equal(base) {
		t.Errorf("truncation must keep the earliest rows, got first at %v", result.Samples[0].Timestamp)
	}
}

func TestMetrics_InvalidRange(t *testing.T) {
	store := memory.New()
	defer store.Close()

	svc := New(store, nil)
	now := time.Now()
	if _, err := svc.Metrics(context.Background(), "a1", now, now, 0, nil); err == nil {
		t.Fatal("expected error for an empty range")
	}
}
