package pipeline

import "time"

// PolicyGovernance is the per-policy configuration record the engine
// consults at submission time. No process-wide mutable flags: auto-apply
// is decided per policy id, per call.
type PolicyGovernance struct {
	// AutoApplyEnabled permits agent proposals to commit without human
	// review when confidence and compliance thresholds are met.
	AutoApplyEnabled bool `json:"auto_apply_enabled" yaml:"auto_apply_enabled"`

	// AutoApplyThreshold is the minimum agent confidence for auto-apply.
	AutoApplyThreshold float64 `json:"auto_apply_threshold" yaml:"auto_apply_threshold"`

	// ReviewSLA bounds how long a proposal may sit at tier 1 before the
	// scanner escalates it.
	ReviewSLA time.Duration `json:"review_sla" yaml:"review_sla"`

	// EscalatedSLA bounds each escalated tier.
	EscalatedSLA time.Duration `json:"escalated_sla" yaml:"escalated_sla"`

	// MaxTier is the top of the review hierarchy. A proposal whose SLA
	// expires at MaxTier is auto-rejected, never auto-approved.
	MaxTier int `json:"max_tier" yaml:"max_tier"`
}

// DefaultGovernance is applied to policies with no explicit profile:
// auto-apply off, a day for first review, half that per escalation.
func DefaultGovernance() PolicyGovernance {
	return PolicyGovernance{
		AutoApplyEnabled:   false,
		AutoApplyThreshold: 0.9,
		ReviewSLA:          24 * time.Hour,
		EscalatedSLA:       12 * time.Hour,
		MaxTier:            2,
	}
}

// GovernanceResolver supplies the governance record for a policy id.
type GovernanceResolver interface {
	Resolve(policyID string) PolicyGovernance
}

// StaticResolver resolves from a fixed map, falling back to a default.
type StaticResolver struct {
	Profiles map[string]PolicyGovernance
	Default  PolicyGovernance
}

// NewStaticResolver builds a resolver over explicit per-policy profiles.
func NewStaticResolver(profiles map[string]PolicyGovernance) *StaticResolver {
	return &StaticResolver{Profiles: profiles, Default: DefaultGovernance()}
}

func (r *StaticResolver) Resolve(policyID string) PolicyGovernance {
	if g, ok := r.Profiles[policyID]; ok {
		return g
	}
	return r.Default
}
