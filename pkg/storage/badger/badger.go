// Package badger implements storage.Storage on BadgerDB (LSM tree).
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Storage is the production backend.
type Storage struct {
	db  *badger.DB
	log *slog.Logger
	seq atomic.Uint32
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage (0 = conservative default).
	MaxMemoryMB int64

	Logger *slog.Logger
}

// New opens a BadgerDB backend and applies pending schema migrations.
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory bounds: BadgerDB's defaults assume a dedicated
	// box; a telemetry backend usually shares its host.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{db: db, log: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if err := s.reserveWriteSeq(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reserve write sequence block: %w", err)
	}
	return s, nil
}

// update runs fn in a read-write transaction. A ctx that expires mid-flight
// does not abandon the wait: commits are local and bounded, and the caller
// gets the transaction's real outcome, so an error return always means
// nothing from the batch is durable.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.db.Update(fn) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return <-done
	}
}

func (s *Storage) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.db.View(fn) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("read cancelled: %w", ctx.Err())
	}
}

func (s *Storage) WriteSamples(ctx context.Context, samples []telemetry.MetricSample) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for i := range samples {
			m := &samples[i]
			value, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode sample: %w", err)
			}
			if err := txn.Set(sampleKey(m.AgentID, m.Timestamp, s.seq.Add(1)), value); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
		}
		return nil
	})
}

func (s *Storage) QuerySamples(ctx context.Context, q storage.SampleQuery) ([]telemetry.MetricSample, error) {
	var results []telemetry.MetricSample
	err := s.view(ctx, func(txn *badger.Txn) error {
		decode := func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var m telemetry.MetricSample
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("decode sample: %w", err)
				}
				results = append(results, m)
				return nil
			})
		}
		if q.AgentID != "" {
			prefix := agentPrefix(kindSample, q.AgentID)
			return s.scanTimeRange(ctx, txn, prefix, q.Start, q.End, q.Limit, decode)
		}
		// All agents: full kind scan, filter on embedded timestamp, then
		// sort: rows from different agents interleave by hash order.
		err := s.scanKind(ctx, txn, kindSample, func(item *badger.Item) error {
			ts := keyTimestamp(item.Key())
			if ts.Before(q.Start) || ts.After(q.End) {
				return nil
			}
			return decode(item)
		})
		if err != nil {
			return err
		}
		sort.Slice(results, func(i, j int) bool {
			return results[i].Timestamp.Before(results[j].Timestamp)
		})
		if q.Limit > 0 && len(results) > q.Limit {
			results = results[:q.Limit]
		}
		return nil
	})
	return results, err
}

// scanTimeRange iterates one agent's time-keyed rows in [start, end].
func (s *Storage) scanTimeRange(ctx context.Context, txn *badger.Txn, prefix []byte, start, end time.Time, limit int, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	var iter int
	for it.Seek(seekFrom(prefix, start)); it.ValidForPrefix(prefix); it.Next() {
		iter++
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if keyTimestamp(it.Item().Key()).After(end) {
			break
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	return nil
}

// scanKind iterates every row of one kind.
func (s *Storage) scanKind(ctx context.Context, txn *badger.Txn, kind byte, fn func(item *badger.Item) error) error {
	prefix := []byte{kind}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var iter int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		iter++
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) ReplaceBuckets(ctx context.Context, res telemetry.Resolution, start, end time.Time, buckets []telemetry.RollupBucket) error {
	kind := resolutionKind(res)
	return s.update(ctx, func(txn *badger.Txn) error {
		// Drop every existing bucket of the window first so buckets whose
		// source samples have since been retention-swept do not linger.
		var stale [][]byte
		err := s.scanKind(ctx, txn, kind, func(item *badger.Item) error {
			ts := keyTimestamp(item.Key())
			if !ts.Before(start) && ts.Before(end) {
				stale = append(stale, item.KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for i := range buckets {
			b := &buckets[i]
			value, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("encode bucket: %w", err)
			}
			if err := txn.Set(bucketKey(res, b.AgentID, b.BucketStart), value); err != nil {
				return fmt.Errorf("write bucket: %w", err)
			}
		}
		return nil
	})
}

func (s *Storage) QueryBuckets(ctx context.Context, q storage.BucketQuery) ([]telemetry.RollupBucket, error) {
	kind := resolutionKind(q.Resolution)
	var results []telemetry.RollupBucket
	err := s.view(ctx, func(txn *badger.Txn) error {
		decode := func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var b telemetry.RollupBucket
				if err := json.Unmarshal(val, &b); err != nil {
					return fmt.Errorf("decode bucket: %w", err)
				}
				results = append(results, b)
				return nil
			})
		}
		if q.AgentID != "" {
			prefix := agentPrefix(kind, q.AgentID)
			return s.scanTimeRange(ctx, txn, prefix, q.Start, q.End, q.Limit, decode)
		}
		err := s.scanKind(ctx, txn, kind, func(item *badger.Item) error {
			ts := keyTimestamp(item.Key())
			if ts.Before(q.Start) || ts.After(q.End) {
				return nil
			}
			return decode(item)
		})
		if err != nil {
			return err
		}
		sort.Slice(results, func(i, j int) bool {
			return results[i].BucketStart.Before(results[j].BucketStart)
		})
		if q.Limit > 0 && len(results) > q.Limit {
			results = results[:q.Limit]
		}
		return nil
	})
	return results, err
}

func (s *Storage) WriteHeartbeat(ctx context.Context, hb telemetry.HeartbeatRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		value, err := json.Marshal(hb)
		if err != nil {
			return fmt.Errorf("encode heartbeat: %w", err)
		}
		return txn.Set(heartbeatKey(hb.AgentID, hb.Timestamp), value)
	})
}

func (s *Storage) QueryHeartbeats(ctx context.Context, agentID string, start, end time.Time) ([]telemetry.HeartbeatRecord, error) {
	var results []telemetry.HeartbeatRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := agentPrefix(kindHeartbeat, agentID)
		return s.scanTimeRange(ctx, txn, prefix, start, end, 0, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var hb telemetry.HeartbeatRecord
				if err := json.Unmarshal(val, &hb); err != nil {
					return fmt.Errorf("decode heartbeat: %w", err)
				}
				results = append(results, hb)
				return nil
			})
		})
	})
	return results, err
}

func (s *Storage) FirstHeartbeat(ctx context.Context, agentID string) (telemetry.HeartbeatRecord, bool, error) {
	var hb telemetry.HeartbeatRecord
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := agentPrefix(kindHeartbeat, agentID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			if err := json.Unmarshal(val, &hb); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return hb, found, err
}

func (s *Storage) GetAgent(ctx context.Context, id string) (telemetry.Agent, bool, error) {
	var agent telemetry.Agent
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(agentKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &agent); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return agent, found, err
}

func (s *Storage) ListAgents(ctx context.Context) ([]telemetry.Agent, error) {
	var agents []telemetry.Agent
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scanKind(ctx, txn, kindAgent, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var a telemetry.Agent
				if err := json.Unmarshal(val, &a); err != nil {
					return err
				}
				agents = append(agents, a)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *Storage) UpsertAgent(ctx context.Context, agent telemetry.Agent) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, agentKey(agent.ID), agent)
	})
}

func (s *Storage) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		a, err := getAgentTxn(txn, id)
		if err != nil {
			return err
		}
		if a == nil {
			a = &telemetry.Agent{ID: id, CreatedAt: at, Status: telemetry.StatusOffline}
		}
		if at.After(a.LastSeen) {
			a.LastSeen = at
		}
		return putJSON(txn, agentKey(id), a)
	})
}

func (s *Storage) SetAgentStatus(ctx context.Context, id string, status telemetry.HeartbeatStatus, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		a, err := getAgentTxn(txn, id)
		if err != nil {
			return err
		}
		first := a == nil
		if first {
			a = &telemetry.Agent{ID: id, CreatedAt: at}
		}
		if status == telemetry.StatusOnline && (first || a.Status != telemetry.StatusOnline) {
			a.UptimeSeconds = 0
			a.AccumulatorEpoch = at
		}
		a.Status = status
		if at.After(a.LastSeen) {
			a.LastSeen = at
		}
		return putJSON(txn, agentKey(id), a)
	})
}

// TickUptime runs the whole credit pass in one transaction so the status
// check and the increment cannot interleave with a concurrent transition.
func (s *Storage) TickUptime(ctx context.Context, interval time.Duration) (int, error) {
	credited := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		type pending struct {
			key   []byte
			agent telemetry.Agent
		}
		var updates []pending
		err := s.scanKind(ctx, txn, kindAgent, func(item *badger.Item) error {
			var a telemetry.Agent
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				return err
			}
			if a.Status != telemetry.StatusOnline {
				return nil
			}
			a.UptimeSeconds += int64(interval / time.Second)
			updates = append(updates, pending{key: item.KeyCopy(nil), agent: a})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := putJSON(txn, u.key, u.agent); err != nil {
				return err
			}
		}
		credited = len(updates)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return credited, nil
}

func (s *Storage) PutRule(ctx context.Context, rule telemetry.AlertRule) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, ruleKey(rule.TenantID, rule.ID), rule)
	})
}

func (s *Storage) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(ruleKey(tenantID, ruleID))
	})
}

func (s *Storage) ListRules(ctx context.Context, tenantID string) ([]telemetry.AlertRule, error) {
	prefix := append([]byte{kindRule}, tenantID...)
	prefix = append(prefix, 0x00)
	var rules []telemetry.AlertRule
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r telemetry.AlertRule
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				rules = append(rules, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *Storage) PutOverride(ctx context.Context, o telemetry.RuleOverride) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, overrideKey(o.RuleID, o.TargetType, o.TargetID), o)
	})
}

func (s *Storage) DeleteOverride(ctx context.Context, ruleID string, targetType telemetry.RuleScope, targetID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(overrideKey(ruleID, targetType, targetID))
	})
}

func (s *Storage) ListOverrides(ctx context.Context, targetType telemetry.RuleScope, targetID string) ([]telemetry.RuleOverride, error) {
	var out []telemetry.RuleOverride
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scanKind(ctx, txn, kindOverride, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var o telemetry.RuleOverride
				if err := json.Unmarshal(val, &o); err != nil {
					return err
				}
				if o.TargetType == targetType && o.TargetID == targetID {
					out = append(out, o)
				}
				return nil
			})
		})
	})
	return out, err
}

func (s *Storage) GetActiveAlert(ctx context.Context, targetID, metric string) (telemetry.ActiveAlert, bool, error) {
	var alert telemetry.ActiveAlert
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(alertKey(targetID, metric))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &alert); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return alert, found, err
}

func (s *Storage) PutActiveAlert(ctx context.Context, a telemetry.ActiveAlert) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, alertKey(a.TargetID, a.Metric), a)
	})
}

func (s *Storage) ListActiveAlerts(ctx context.Context) ([]telemetry.ActiveAlert, error) {
	var out []telemetry.ActiveAlert
	err := s.view(ctx, func(txn *badger.Txn) error {
		return s.scanKind(ctx, txn, kindActiveAlert, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var a telemetry.ActiveAlert
				if err := json.Unmarshal(val, &a); err != nil {
					return err
				}
				out = append(out, a)
				return nil
			})
		})
	})
	return out, err
}

func (s *Storage) DeleteTierBefore(ctx context.Context, tier storage.Tier, cutoff time.Time) (int, error) {
	kind := tierKind(tier)
	deleted := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{kind}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var iter int
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			iter++
			if iter%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if keyTimestamp(it.Item().Key()).Before(cutoff) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Storage) DeleteOldestSamples(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		return 0, nil
	}
	type aged struct {
		key []byte
		ts  time.Time
	}
	deleted := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		// Sample keys sort by agent hash before timestamp, so the global
		// oldest requires a full scan of the sample keyspace.
		var rows []aged
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{kindSample}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var iter int
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			iter++
			if iter%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rows = append(rows, aged{key: it.Item().KeyCopy(nil), ts: keyTimestamp(it.Item().Key())})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
		if batch > len(rows) {
			batch = len(rows)
		}
		for _, r := range rows[:batch] {
			if err := txn.Delete(r.key); err != nil {
				return err
			}
		}
		deleted = batch
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{RowsPerTier: make(map[storage.Tier]uint64)}
	tiers := []storage.Tier{
		storage.TierRawSamples, storage.TierRollup1m, storage.TierRollup15m,
		storage.TierRollup1h, storage.TierHeartbeats, storage.TierLogs,
		storage.TierProcessSnapshots,
	}
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, tier := range tiers {
			kind := tierKind(tier)
			var count uint64
			err := s.countKind(ctx, txn, kind, func(key []byte) {
				count++
				if kind == kindSample {
					ts := keyTimestamp(key)
					if stats.OldestSample.IsZero() || ts.Before(stats.OldestSample) {
						stats.OldestSample = ts
					}
					if ts.After(stats.NewestSample) {
						stats.NewestSample = ts
					}
				}
			})
			if err != nil {
				return err
			}
			stats.RowsPerTier[tier] = count
		}
		return s.countKind(ctx, txn, kindAgent, func([]byte) { stats.Agents++ })
	})
	if err != nil {
		return nil, err
	}
	lsm, vlog := s.db.Size()
	stats.SizeBytes = uint64(lsm + vlog)
	return stats, nil
}

func (s *Storage) countKind(ctx context.Context, txn *badger.Txn, kind byte, fn func(key []byte)) error {
	prefix := []byte{kind}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var iter int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		iter++
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fn(it.Item().Key())
	}
	return nil
}

// RunGC runs BadgerDB's value log garbage collection. Deletion only marks
// rows; GC reclaims the disk space.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

func getAgentTxn(txn *badger.Txn, id string) (*telemetry.Agent, error) {
	item, err := txn.Get(agentKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a telemetry.Agent
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
		return nil, err
	}
	return &a, nil
}
