package badger

import (
	"context"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrations_SeedDefaultRules(t *testing.T) {
	store := newTestStore(t)

	rules, err := store.ListRules(context.Background(), "default")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 seeded default rules, got %d", len(rules))
	}
	for _, r := range rules {
		if r.Scope != telemetry.ScopeGlobal || !r.Enabled {
			t.Errorf("seeded rule must be global and enabled: %+v", r)
		}
	}
}

func TestWriteSamples_DuplicateTimestampsKept(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dup := telemetry.MetricSample{AgentID: "a1", Timestamp: ts, CPUPercent: 42}
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{dup, dup}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	got, err := store.QuerySamples(ctx, storage.SampleQuery{AgentID: "a1", Start: ts, End: ts})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("duplicate (agent, timestamp) rows must both persist, got %d", len(got))
	}
}

func TestQuerySamples_PerAgentRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: base, CPUPercent: 1},
		{AgentID: "a1", Timestamp: base.Add(time.Minute), CPUPercent: 2},
		{AgentID: "a1", Timestamp: base.Add(2 * time.Hour), CPUPercent: 3},
		{AgentID: "a2", Timestamp: base, CPUPercent: 4},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	got, err := store.QuerySamples(ctx, storage.SampleQuery{
		AgentID: "a1", Start: base, End: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 in-range rows for a1, got %d", len(got))
	}
	if got[0].CPUPercent != 1 || got[1].CPUPercent != 2 {
		t.Errorf("rows must come back in timestamp order, got %+v", got)
	}
}

func TestQuerySamples_AllAgentsSorted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "zeta", Timestamp: base},
		{AgentID: "alpha", Timestamp: base.Add(time.Minute)},
		{AgentID: "mid", Timestamp: base.Add(30 * time.Second)},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	got, err := store.QuerySamples(ctx, storage.SampleQuery{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected all 3 rows, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("cross-agent scan must be sorted by timestamp, got %v before %v",
				got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestReplaceBuckets_DropsStaleRowsInWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(start time.Time, avg float64) telemetry.RollupBucket {
		return telemetry.RollupBucket{
			AgentID: "a1", BucketStart: start, Resolution: telemetry.Resolution1m,
			SampleCount: 1, CPUPercent: telemetry.AggField{Avg: avg},
		}
	}
	if err := store.ReplaceBuckets(ctx, telemetry.Resolution1m, base, base.Add(2*time.Minute),
		[]telemetry.RollupBucket{mk(base, 10), mk(base.Add(time.Minute), 20)}); err != nil {
		t.Fatalf("ReplaceBuckets failed: %v", err)
	}

	// Recompute the window with only one surviving bucket; the other must
	// not linger.
	if err := store.ReplaceBuckets(ctx, telemetry.Resolution1m, base, base.Add(2*time.Minute),
		[]telemetry.RollupBucket{mk(base, 11)}); err != nil {
		t.Fatalf("ReplaceBuckets failed: %v", err)
	}

	got, err := store.QueryBuckets(ctx, storage.BucketQuery{
		AgentID: "a1", Resolution: telemetry.Resolution1m,
		Start: base, End: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(got) != 1 || got[0].CPUPercent.Avg != 11 {
		t.Errorf("window swap must drop stale buckets, got %+v", got)
	}
}

func TestHeartbeats_FirstIsOldest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, m := range []int{10, 0, 5} {
		if err := store.WriteHeartbeat(ctx, telemetry.HeartbeatRecord{
			AgentID: "a1", Timestamp: base.Add(time.Duration(m) * time.Minute), Status: telemetry.StatusOnline,
		}); err != nil {
			t.Fatalf("WriteHeartbeat failed: %v", err)
		}
	}

	first, ok, err := store.FirstHeartbeat(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("FirstHeartbeat ok=%v err=%v", ok, err)
	}
	if !first.Timestamp.Equal(base) {
		t.Errorf("first = %v, want %v (keys sort by timestamp)", first.Timestamp, base)
	}

	if _, ok, _ := store.FirstHeartbeat(ctx, "never-seen"); ok {
		t.Error("unknown agent must report no heartbeats")
	}
}

func TestSetAgentStatus_TransitionResetsAccumulator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetAgentStatus(ctx, "a1", telemetry.StatusOnline, now); err != nil {
		t.Fatalf("SetAgentStatus failed: %v", err)
	}
	credited, err := store.TickUptime(ctx, time.Minute)
	if err != nil {
		t.Fatalf("TickUptime failed: %v", err)
	}
	if credited != 1 {
		t.Fatalf("credited = %d, want 1", credited)
	}

	if err := store.SetAgentStatus(ctx, "a1", telemetry.StatusOffline, now.Add(time.Minute)); err != nil {
		t.Fatalf("SetAgentStatus failed: %v", err)
	}
	if err := store.SetAgentStatus(ctx, "a1", telemetry.StatusOnline, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("SetAgentStatus failed: %v", err)
	}
	a, ok, err := store.GetAgent(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("GetAgent ok=%v err=%v", ok, err)
	}
	if a.UptimeSeconds != 0 {
		t.Errorf("offline-to-online must zero the accumulator, got %d", a.UptimeSeconds)
	}
	if !a.AccumulatorEpoch.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("epoch = %v, want transition time", a.AccumulatorEpoch)
	}
}

func TestDeleteTierBefore_OnlyNamedTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: old},
		{AgentID: "a1", Timestamp: now},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}
	if err := store.WriteHeartbeat(ctx, telemetry.HeartbeatRecord{
		AgentID: "a1", Timestamp: old, Status: telemetry.StatusOnline,
	}); err != nil {
		t.Fatalf("WriteHeartbeat failed: %v", err)
	}

	deleted, err := store.DeleteTierBefore(ctx, storage.TierRawSamples, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTierBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	// The heartbeat tier is untouched.
	hbs, err := store.QueryHeartbeats(ctx, "a1", old.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("QueryHeartbeats failed: %v", err)
	}
	if len(hbs) != 1 {
		t.Errorf("heartbeats must survive a raw-samples cleanup, got %d", len(hbs))
	}
}

func TestDeleteOldestSamples_GlobalOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Interleave two agents so key order (hash-first) differs from time order.
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: base.Add(3 * time.Minute)},
		{AgentID: "a2", Timestamp: base},
		{AgentID: "a1", Timestamp: base.Add(time.Minute)},
		{AgentID: "a2", Timestamp: base.Add(2 * time.Minute)},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	n, err := store.DeleteOldestSamples(ctx, 2)
	if err != nil {
		t.Fatalf("DeleteOldestSamples failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}

	got, err := store.QuerySamples(ctx, storage.SampleQuery{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("eviction must follow global time order, first survivor at %v", got[0].Timestamp)
	}
}

func TestStats_RowCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: base},
		{AgentID: "a1", Timestamp: base.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}
	if err := store.SetAgentStatus(ctx, "a1", telemetry.StatusOnline, base); err != nil {
		t.Fatalf("SetAgentStatus failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RowsPerTier[storage.TierRawSamples] != 2 {
		t.Errorf("raw rows = %d, want 2", stats.RowsPerTier[storage.TierRawSamples])
	}
	if stats.Agents != 1 {
		t.Errorf("agents = %d, want 1", stats.Agents)
	}
	if !stats.OldestSample.Equal(base) || !stats.NewestSample.Equal(base.Add(time.Minute)) {
		t.Errorf("sample bounds = %v..%v", stats.OldestSample, stats.NewestSample)
	}
}

func TestQuerySamples_ContextCancelled(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.QuerySamples(ctx, storage.SampleQuery{}); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}

func TestUpdate_ReportsCommitOutcomeAfterCancel(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	go func() {
		<-entered
		cancel()
	}()
	// The transaction commits after ctx expires; the caller must still see
	// the commit's real outcome, not a cancellation error.
	err := store.update(ctx, func(txn *badgerdb.Txn) error {
		close(entered)
		<-ctx.Done()
		return txn.Set(metaKey("late_commit_marker"), []byte("x"))
	})
	if err != nil {
		t.Fatalf("update must report the commit outcome, got %v", err)
	}

	found := false
	if err := store.db.View(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(metaKey("late_commit_marker")); err == nil {
			found = true
		}
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if !found {
		t.Fatal("committed write not visible after nil return")
	}
}

func TestWriteSeq_BlockAdvancesAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s1, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if got := s1.seq.Load(); got != 0 {
		t.Errorf("fresh database seq base = %d, want 0", got)
	}
	if err := s1.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: ts, CPUPercent: 10},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A restart reserves a fresh suffix block, so an identical
	// (agent, timestamp) write cannot land on the old run's key.
	s2, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { s2.Close() })
	if got := s2.seq.Load(); got != seqStride {
		t.Errorf("seq base after restart = %d, want %d", got, seqStride)
	}
	if err := s2.WriteSamples(ctx, []telemetry.MetricSample{
		{AgentID: "a1", Timestamp: ts, CPUPercent: 20},
	}); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	rows, err := s2.QuerySamples(ctx, storage.SampleQuery{
		AgentID: "a1", Start: ts.Add(-time.Minute), End: ts.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want both duplicate-key samples kept across restart", len(rows))
	}
}
