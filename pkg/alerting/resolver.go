// Package alerting resolves layered alert-rule overrides and evaluates the
// resulting effective rules against live metric values.
package alerting

import (
	"context"
	"fmt"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Resolve merges a tenant's global rules with any per-target overrides, then
// unions in the rules scoped directly to the target. The stored global rules
// are never mutated: a modify override substitutes threshold/channels into a
// fresh effective copy only.
func Resolve(ctx context.Context, store storage.Storage, tenantID string, targetType telemetry.RuleScope, targetID string) ([]telemetry.EffectiveRule, error) {
	rules, err := store.ListRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	overrides, err := store.ListOverrides(ctx, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	byRule := make(map[string]telemetry.RuleOverride, len(overrides))
	for _, o := range overrides {
		byRule[o.RuleID] = o
	}

	var effective []telemetry.EffectiveRule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.Scope {
		case telemetry.ScopeGlobal:
			o, overridden := byRule[r.ID]
			if overridden && o.Type == telemetry.OverrideDisable {
				continue
			}
			er := telemetry.EffectiveRule{AlertRule: r}
			if overridden && o.Type == telemetry.OverrideModify {
				if o.ModifiedThreshold != nil {
					er.Threshold = *o.ModifiedThreshold
				}
				if o.ModifiedChannels != nil {
					er.Channels = o.ModifiedChannels
				}
				er.IsOverridden = true
			}
			effective = append(effective, er)
		case targetType:
			// Rules scoped directly to the target are never subject to
			// override lookup.
			if r.TargetID == targetID {
				effective = append(effective, telemetry.EffectiveRule{AlertRule: r})
			}
		}
	}
	return effective, nil
}
