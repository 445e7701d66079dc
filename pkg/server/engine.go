// Package server wires the storage-and-policy engine together and exposes
// its operations to the transport layer.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hostbeat/pkg/alerting"
	"hostbeat/pkg/availability"
	"hostbeat/pkg/config"
	"hostbeat/pkg/diskguard"
	"hostbeat/pkg/query"
	"hostbeat/pkg/retention"
	"hostbeat/pkg/rollup"
	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Engine is the facade over the core: one storage instance, one disk guard,
// one rollup engine, constructed at startup and passed explicitly to every
// handler and background job.
type Engine struct {
	store   storage.Storage
	cfg     *config.Manager
	guard   *diskguard.Guard
	rollup  *rollup.Engine
	sweeper *retention.Sweeper
	avail   *availability.Calculator
	queries *query.Service
	alerts  *alerting.Evaluator
	log     *slog.Logger
	now     func() time.Time
}

// New assembles the engine around one store.
func New(store storage.Storage, cfg *config.Manager, guard *diskguard.Guard, logger *slog.Logger) *Engine {
	roll := rollup.New(store, logger.With("module", "rollup"))
	return &Engine{
		store:   store,
		cfg:     cfg,
		guard:   guard,
		rollup:  roll,
		sweeper: retention.New(store, func() config.Retention { return cfg.Current().Retention }, logger.With("module", "retention")),
		avail:   availability.New(store),
		queries: query.New(store, roll),
		alerts:  alerting.NewEvaluator(store, logger.With("module", "alerts")),
		log:     logger,
		now:     time.Now,
	}
}

// RegisterAgent creates a new agent record. An empty name is allowed; the ID
// is always generated server-side.
func (e *Engine) RegisterAgent(ctx context.Context, name string) (telemetry.Agent, error) {
	now := e.now().UTC()
	agent := telemetry.Agent{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		LastSeen:  now,
		Status:    telemetry.StatusOffline,
	}
	if err := e.store.UpsertAgent(ctx, agent); err != nil {
		return telemetry.Agent{}, fmt.Errorf("register agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every known agent.
func (e *Engine) ListAgents(ctx context.Context) ([]telemetry.Agent, error) {
	return e.store.ListAgents(ctx)
}

// IngestSamples validates and durably appends a batch. Per-item failures are
// isolated: the rest of the batch is accepted and the rejects come back as a
// *storage.PartialWriteError. The whole batch is rejected with
// storage.ErrInsufficientStorage while the disk guard is tripped. The
// accepted samples are written atomically, so after a deadline error the
// caller knows none were stored.
func (e *Engine) IngestSamples(ctx context.Context, agentID string, samples []telemetry.MetricSample) (int, error) {
	if err := e.guard.Check(); err != nil {
		return 0, err
	}
	if agentID == "" {
		// First contact without an identity: assign one. The agent record
		// is created by the TouchAgent below.
		agentID = uuid.NewString()
	}

	valid := make([]telemetry.MetricSample, 0, len(samples))
	var itemErrs []storage.ItemError
	for i, m := range samples {
		if m.Timestamp.IsZero() {
			itemErrs = append(itemErrs, storage.ItemError{Index: i, Err: "missing timestamp"})
			continue
		}
		if m.AgentID != "" && m.AgentID != agentID {
			itemErrs = append(itemErrs, storage.ItemError{Index: i, Err: "agent id mismatch"})
			continue
		}
		m.AgentID = agentID
		valid = append(valid, m)
	}

	if len(valid) > 0 {
		if err := e.store.WriteSamples(ctx, valid); err != nil {
			return 0, fmt.Errorf("write samples: %w", err)
		}
		if err := e.store.TouchAgent(ctx, agentID, e.now().UTC()); err != nil {
			e.log.Warn("touch agent failed", "agent", agentID, "err", err)
		}
	}
	if len(itemErrs) > 0 {
		return len(valid), &storage.PartialWriteError{Accepted: len(valid), Items: itemErrs}
	}
	return len(valid), nil
}

// IngestHeartbeat records one liveness signal and applies the status
// transition (an offline-to-online transition resets the uptime
// accumulator).
func (e *Engine) IngestHeartbeat(ctx context.Context, agentID string, status telemetry.HeartbeatStatus, ts time.Time) error {
	if err := e.guard.Check(); err != nil {
		return err
	}
	if agentID == "" {
		agentID = uuid.NewString()
	}
	if status != telemetry.StatusOnline && status != telemetry.StatusOffline {
		return fmt.Errorf("invalid heartbeat status %q", status)
	}
	if ts.IsZero() {
		ts = e.now().UTC()
	}
	if err := e.store.SetAgentStatus(ctx, agentID, status, ts); err != nil {
		return fmt.Errorf("apply status transition: %w", err)
	}
	if err := e.store.WriteHeartbeat(ctx, telemetry.HeartbeatRecord{AgentID: agentID, Timestamp: ts, Status: status}); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// QueryMetrics answers a metric read through the resolution selector.
func (e *Engine) QueryMetrics(ctx context.Context, agentID string, start, end time.Time, maxPoints int, forced *telemetry.Resolution) (*query.Result, error) {
	return e.queries.Metrics(ctx, agentID, start, end, maxPoints, forced)
}

// ComputeAvailability runs the windowed uptime calculation with the
// configured heartbeat TTL.
func (e *Engine) ComputeAvailability(ctx context.Context, agentID string, start, end time.Time) (availability.Result, error) {
	return e.avail.Compute(ctx, agentID, start, end, e.cfg.Current().Heartbeat.TTL.D())
}

// GetAccumulatedUptimeSeconds reads the cheap running accumulator. It is an
// approximation for dashboards, not the windowed calculation.
func (e *Engine) GetAccumulatedUptimeSeconds(ctx context.Context, agentID string) (int64, error) {
	agent, ok, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("unknown agent %q", agentID)
	}
	return agent.UptimeSeconds, nil
}

// ResolveEffectiveRules merges global rules, overrides and target-scoped
// rules for one target.
func (e *Engine) ResolveEffectiveRules(ctx context.Context, tenantID string, targetType telemetry.RuleScope, targetID string) ([]telemetry.EffectiveRule, error) {
	return alerting.Resolve(ctx, e.store, tenantID, targetType, targetID)
}

// RunRetentionSweep runs one sweep pass immediately; also invoked hourly by
// the background loop.
func (e *Engine) RunRetentionSweep(ctx context.Context) (*retention.Report, error) {
	return e.sweeper.Sweep(ctx)
}

// StorageHealth is the combined free-space and backend usage picture.
type StorageHealth struct {
	diskguard.Health
	Stats *storage.Stats `json:"stats,omitempty"`
}

// GetStorageHealth reports free space, guard trip state and backend stats.
func (e *Engine) GetStorageHealth(ctx context.Context) (StorageHealth, error) {
	health := StorageHealth{Health: e.guard.Health()}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		// The guard picture is still useful when stats fail.
		e.log.Warn("storage stats failed", "err", err)
		return health, nil
	}
	health.Stats = stats
	return health, nil
}
