package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statecraft-io/ordinance/pkg/pipeline"
)

// GovernanceProfile is the YAML form of a per-policy governance record.
// Durations are Go duration strings ("24h", "90m").
type GovernanceProfile struct {
	AutoApplyEnabled   bool    `yaml:"auto_apply_enabled"`
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold"`
	ReviewSLA          string  `yaml:"review_sla"`
	EscalatedSLA       string  `yaml:"escalated_sla"`
	MaxTier            int     `yaml:"max_tier"`
}

// ProfilesFile is the on-disk layout: named per-policy profiles plus an
// optional default applied to every other policy.
type ProfilesFile struct {
	Default  *GovernanceProfile           `yaml:"default,omitempty"`
	Policies map[string]GovernanceProfile `yaml:"policies"`
}

// LoadProfiles parses the profile YAML at path into a resolver for the
// pipeline. A bad profile fails loudly at startup rather than silently
// governing with defaults.
func LoadProfiles(path string) (*pipeline.StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load governance profiles: %w", err)
	}

	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse governance profiles: %w", err)
	}

	resolver := pipeline.NewStaticResolver(make(map[string]pipeline.PolicyGovernance, len(file.Policies)))
	if file.Default != nil {
		def, err := file.Default.toGovernance()
		if err != nil {
			return nil, fmt.Errorf("default profile: %w", err)
		}
		resolver.Default = def
	}
	for policyID, profile := range file.Policies {
		gov, err := profile.toGovernance()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", policyID, err)
		}
		resolver.Profiles[policyID] = gov
	}
	return resolver, nil
}

func (p GovernanceProfile) toGovernance() (pipeline.PolicyGovernance, error) {
	gov := pipeline.DefaultGovernance()
	gov.AutoApplyEnabled = p.AutoApplyEnabled
	if p.AutoApplyThreshold != 0 {
		if p.AutoApplyThreshold < 0 || p.AutoApplyThreshold > 1 {
			return gov, fmt.Errorf("auto_apply_threshold %v outside [0,1]", p.AutoApplyThreshold)
		}
		gov.AutoApplyThreshold = p.AutoApplyThreshold
	}
	if p.ReviewSLA != "" {
		d, err := time.ParseDuration(p.ReviewSLA)
		if err != nil {
			return gov, fmt.Errorf("review_sla: %w", err)
		}
		gov.ReviewSLA = d
	}
	if p.EscalatedSLA != "" {
		d, err := time.ParseDuration(p.EscalatedSLA)
		if err != nil {
			return gov, fmt.Errorf("escalated_sla: %w", err)
		}
		gov.EscalatedSLA = d
	}
	if p.MaxTier != 0 {
		if p.MaxTier < 1 {
			return gov, fmt.Errorf("max_tier %d must be at least 1", p.MaxTier)
		}
		gov.MaxTier = p.MaxTier
	}
	return gov, nil
}
