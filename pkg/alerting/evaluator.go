package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// MetricValue is one current reading presented to the evaluator. Raw carries
// the textual form for the contains operator; when empty it is derived from
// Value.
type MetricValue struct {
	Value float64
	Raw   string
}

// Evaluator compares effective rules against current values and maintains
// the active-alert set. Notification delivery (and cooldown enforcement) is
// the notifier's job, not the evaluator's; the cooldown travels on the
// effective rule for it.
type Evaluator struct {
	store storage.Storage
	log   *slog.Logger
	now   func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(store storage.Storage, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, log: logger, now: time.Now}
}

// Evaluate runs every rule against the target's current values. A violation
// creates an active alert keyed (target, metric) or, if one is already
// active, refreshes its current value only, without a duplicate alert. A
// non-violation resolves any matching active alert.
func (e *Evaluator) Evaluate(ctx context.Context, targetID string, rules []telemetry.EffectiveRule, values map[string]MetricValue) error {
	for _, rule := range rules {
		value, ok := values[rule.Metric]
		if !ok {
			continue
		}
		violated := Compare(rule.Operator, value, rule.Threshold)

		existing, active, err := e.store.GetActiveAlert(ctx, targetID, rule.Metric)
		if err != nil {
			return fmt.Errorf("load active alert: %w", err)
		}
		active = active && existing.IsActive

		switch {
		case violated && active:
			existing.CurrentValue = value.Value
			if err := e.store.PutActiveAlert(ctx, existing); err != nil {
				return fmt.Errorf("refresh active alert: %w", err)
			}
		case violated:
			now := e.now().UTC()
			alert := telemetry.ActiveAlert{
				TargetID:     targetID,
				Metric:       rule.Metric,
				RuleID:       rule.ID,
				CurrentValue: value.Value,
				Threshold:    rule.Threshold,
				StartedAt:    now,
				IsActive:     true,
			}
			if err := e.store.PutActiveAlert(ctx, alert); err != nil {
				return fmt.Errorf("create active alert: %w", err)
			}
			e.log.Info("alert firing",
				"target", targetID, "metric", rule.Metric, "rule", rule.ID,
				"value", value.Value, "threshold", rule.Threshold)
		case active:
			now := e.now().UTC()
			existing.IsActive = false
			existing.ResolvedAt = &now
			existing.CurrentValue = value.Value
			if err := e.store.PutActiveAlert(ctx, existing); err != nil {
				return fmt.Errorf("resolve active alert: %w", err)
			}
			e.log.Info("alert resolved",
				"target", targetID, "metric", rule.Metric, "rule", rule.ID,
				"value", value.Value)
		}
	}
	return nil
}

// Compare applies a rule operator to a value and threshold. The contains
// operator matches the value's textual form against the threshold's.
func Compare(op telemetry.Operator, v MetricValue, threshold float64) bool {
	switch op {
	case telemetry.OpGT:
		return v.Value > threshold
	case telemetry.OpLT:
		return v.Value < threshold
	case telemetry.OpGTE:
		return v.Value >= threshold
	case telemetry.OpLTE:
		return v.Value <= threshold
	case telemetry.OpEQ:
		return v.Value == threshold
	case telemetry.OpNE:
		return v.Value != threshold
	case telemetry.OpContains:
		raw := v.Raw
		if raw == "" {
			raw = strconv.FormatFloat(v.Value, 'f', -1, 64)
		}
		return strings.Contains(raw, strconv.FormatFloat(threshold, 'f', -1, 64))
	default:
		return false
	}
}
