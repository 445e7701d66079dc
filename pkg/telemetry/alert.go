package telemetry

import "time"

// RuleScope says what kind of target an alert rule binds to. Global rules
// apply to every target of the tenant unless overridden per target.
type RuleScope string

const (
	ScopeGlobal   RuleScope = "global"
	ScopeAgent    RuleScope = "agent"
	ScopeBookmark RuleScope = "bookmark"
	ScopeProfile  RuleScope = "profile"
)

// Operator is the comparison applied between a metric value and a rule
// threshold.
type Operator string

const (
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpEQ       Operator = "eq"
	OpNE       Operator = "ne"
	OpGTE      Operator = "gte"
	OpLTE      Operator = "lte"
	OpContains Operator = "contains"
)

// AlertRule is a stored threshold rule. TargetID is empty for global rules.
type AlertRule struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Scope           RuleScope `json:"scope"`
	TargetID        string    `json:"target_id,omitempty"`
	Metric          string    `json:"metric"`
	Operator        Operator  `json:"operator"`
	Threshold       float64   `json:"threshold"`
	Channels        []string  `json:"channels,omitempty"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	Enabled         bool      `json:"enabled"`
}

// OverrideType selects what a per-target override does to a global rule.
type OverrideType string

const (
	OverrideDisable OverrideType = "disable"
	OverrideModify  OverrideType = "modify"
)

// RuleOverride customizes one global rule for one target. Unique per
// (rule_id, target_type, target_id); only meaningful against global rules.
type RuleOverride struct {
	RuleID            string       `json:"rule_id"`
	TargetType        RuleScope    `json:"target_type"`
	TargetID          string       `json:"target_id"`
	Type              OverrideType `json:"override_type"`
	ModifiedThreshold *float64     `json:"modified_threshold,omitempty"`
	ModifiedChannels  []string     `json:"modified_channels,omitempty"`
}

// EffectiveRule is the merge of a stored rule with any applicable override.
// Computed per request, never persisted.
type EffectiveRule struct {
	AlertRule
	IsOverridden bool `json:"is_overridden"`
}

// ActiveAlert is a currently- or previously-firing alert, keyed by
// (target_id, metric). While active, repeated violations only refresh
// CurrentValue; a non-violation resolves it.
type ActiveAlert struct {
	TargetID     string     `json:"target_id"`
	Metric       string     `json:"metric"`
	RuleID       string     `json:"rule_id"`
	CurrentValue float64    `json:"current_value"`
	Threshold    float64    `json:"threshold"`
	StartedAt    time.Time  `json:"started_at"`
	IsActive     bool       `json:"is_active"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
