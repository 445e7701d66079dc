package alerting

import (
	"context"
	"testing"

	"hostbeat/pkg/storage/memory"
	"hostbeat/pkg/telemetry"
)

func seedRule(t *testing.T, store *memory.Storage, r telemetry.AlertRule) {
	t.Helper()
	if err := store.PutRule(context.Background(), r); err != nil {
		t.Fatalf("PutRule failed: %v", err)
	}
}

func seedOverride(t *testing.T, store *memory.Storage, o telemetry.RuleOverride) {
	t.Helper()
	if err := store.PutOverride(context.Background(), o); err != nil {
		t.Fatalf("PutOverride failed: %v", err)
	}
}

func TestResolve_DisableOverrideIsPerTarget(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	seedRule(t, store, telemetry.AlertRule{
		ID: "cpu-high", TenantID: "t1", Scope: telemetry.ScopeGlobal,
		Metric: "cpu_percent", Operator: telemetry.OpGT, Threshold: 90, Enabled: true,
	})
	seedOverride(t, store, telemetry.RuleOverride{
		RuleID: "cpu-high", TargetType: telemetry.ScopeAgent, TargetID: "X",
		Type: telemetry.OverrideDisable,
	})

	forX, err := Resolve(ctx, store, "t1", telemetry.ScopeAgent, "X")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(forX) != 0 {
		t.Errorf("disabled rule must be absent for agent X, got %d rules", len(forX))
	}

	forY, err := Resolve(ctx, store, "t1", telemetry.ScopeAgent, "Y")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(forY) != 1 || forY[0].ID != "cpu-high" {
		t.Errorf("rule must still apply to agent Y, got %+v", forY)
	}
}

func TestResolve_ModifyOverrideLeavesStoredRuleIntact(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	seedRule(t, store, telemetry.AlertRule{
		ID: "ram-high", TenantID: "t1", Scope: telemetry.ScopeGlobal,
		Metric: "ram_percent", Operator: telemetry.OpGT, Threshold: 90,
		Channels: []string{"mail"}, Enabled: true,
	})
	threshold := 75.0
	seedOverride(t, store, telemetry.RuleOverride{
		RuleID: "ram-high", TargetType: telemetry.ScopeAgent, TargetID: "X",
		Type: telemetry.OverrideModify, ModifiedThreshold: &threshold,
		ModifiedChannels: []string{"pager"},
	})

	effective, err := Resolve(ctx, store, "t1", telemetry.ScopeAgent, "X")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(effective) != 1 {
		t.Fatalf("expected 1 effective rule, got %d", len(effective))
	}
	er := effective[0]
	if er.Threshold != 75 || !er.IsOverridden {
		t.Errorf("expected overridden threshold 75, got %+v", er)
	}
	if len(er.Channels) != 1 || er.Channels[0] != "pager" {
		t.Errorf("expected overridden channels, got %v", er.Channels)
	}

	stored, err := store.ListRules(ctx, "t1")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if stored[0].Threshold != 90 || stored[0].Channels[0] != "mail" {
		t.Errorf("stored rule must be untouched by the override, got %+v", stored[0])
	}
}

func TestResolve_DisabledRulesNeverApply(t *testing.T) {
	store := memory.New()
	defer store.Close()

	seedRule(t, store, telemetry.AlertRule{
		ID: "off", TenantID: "t1", Scope: telemetry.ScopeGlobal,
		Metric: "ping", Operator: telemetry.OpGT, Threshold: 500, Enabled: false,
	})

	effective, err := Resolve(context.Background(), store, "t1", telemetry.ScopeAgent, "X")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(effective) != 0 {
		t.Errorf("disabled rule must not resolve, got %+v", effective)
	}
}

func TestResolve_UnionsTargetScopedRules(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	seedRule(t, store, telemetry.AlertRule{
		ID: "global-cpu", TenantID: "t1", Scope: telemetry.ScopeGlobal,
		Metric: "cpu_percent", Operator: telemetry.OpGT, Threshold: 90, Enabled: true,
	})
	seedRule(t, store, telemetry.AlertRule{
		ID: "x-ping", TenantID: "t1", Scope: telemetry.ScopeAgent, TargetID: "X",
		Metric: "ping", Operator: telemetry.OpGT, Threshold: 200, Enabled: true,
	})
	seedRule(t, store, telemetry.AlertRule{
		ID: "y-ping", TenantID: "t1", Scope: telemetry.ScopeAgent, TargetID: "Y",
		Metric: "ping", Operator: telemetry.OpGT, Threshold: 200, Enabled: true,
	})

	effective, err := Resolve(ctx, store, "t1", telemetry.ScopeAgent, "X")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("expected global + X-scoped rule, got %d", len(effective))
	}
	ids := map[string]bool{}
	for _, er := range effective {
		ids[er.ID] = true
	}
	if !ids["global-cpu"] || !ids["x-ping"] || ids["y-ping"] {
		t.Errorf("wrong rule set: %v", ids)
	}
}
