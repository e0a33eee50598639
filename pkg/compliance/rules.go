package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StructuralRule rejects content that is not a JSON object. It runs
// first in every deployment: later rules may assume object-shaped input.
type StructuralRule struct{}

func (StructuralRule) ID() string { return "STRUCTURAL_VALIDITY" }

func (StructuralRule) Check(ctx context.Context, in Input) ([]Violation, error) {
	var v any
	if err := json.Unmarshal(in.Proposed, &v); err != nil {
		return []Violation{{
			RuleID:   "STRUCTURAL_VALIDITY",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("content is not valid JSON: %v", err),
		}}, nil
	}
	if _, ok := v.(map[string]any); !ok {
		return []Violation{{
			RuleID:   "STRUCTURAL_VALIDITY",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("content must be a JSON object, got %T", v),
		}}, nil
	}
	return nil, nil
}

// RequiredFieldsRule blocks content missing any of the named top-level
// fields.
type RequiredFieldsRule struct {
	Fields []string
}

func (RequiredFieldsRule) ID() string { return "REQUIRED_FIELDS" }

func (r RequiredFieldsRule) Check(ctx context.Context, in Input) ([]Violation, error) {
	var obj map[string]any
	if err := json.Unmarshal(in.Proposed, &obj); err != nil {
		// StructuralRule owns shape errors; nothing to report here.
		return nil, nil
	}
	violations := make([]Violation, 0)
	for _, f := range r.Fields {
		if _, ok := obj[f]; !ok {
			violations = append(violations, Violation{
				RuleID:   "REQUIRED_FIELDS",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("missing required field %q", f),
			})
		}
	}
	return violations, nil
}

// SchemaRule validates proposed content against a compiled JSON Schema.
type SchemaRule struct {
	id     string
	schema *jsonschema.Schema
}

// NewSchemaRule compiles a JSON Schema document. Compilation failures
// surface at registration time.
func NewSchemaRule(id, schemaJSON string) (*SchemaRule, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id+".json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("rule %s: add schema: %w", id, err)
	}
	schema, err := compiler.Compile(id + ".json")
	if err != nil {
		return nil, fmt.Errorf("rule %s: compile schema: %w", id, err)
	}
	return &SchemaRule{id: id, schema: schema}, nil
}

func (r *SchemaRule) ID() string { return r.id }

func (r *SchemaRule) Check(ctx context.Context, in Input) ([]Violation, error) {
	var v any
	if err := json.Unmarshal(in.Proposed, &v); err != nil {
		return nil, nil // StructuralRule owns shape errors.
	}
	if err := r.schema.Validate(v); err != nil {
		return []Violation{{
			RuleID:   r.id,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("schema violation: %v", err),
		}}, nil
	}
	return nil, nil
}

// SemverRegressionRule blocks changes whose top-level "version" field is
// not a valid semantic version or moves backwards relative to the current
// content. Content without a version field passes; versioning is opt-in
// per policy family.
type SemverRegressionRule struct{}

func (SemverRegressionRule) ID() string { return "SEMVER_REGRESSION" }

func (SemverRegressionRule) Check(ctx context.Context, in Input) ([]Violation, error) {
	proposed := contentVersion(in.Proposed)
	if proposed == "" {
		return nil, nil
	}
	pv, err := semver.NewVersion(proposed)
	if err != nil {
		return []Violation{{
			RuleID:   "SEMVER_REGRESSION",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("version %q is not semantic: %v", proposed, err),
		}}, nil
	}

	current := contentVersion(in.Current)
	if current == "" {
		return nil, nil
	}
	cv, err := semver.NewVersion(current)
	if err != nil {
		// Historical content with a broken version cannot pin new changes.
		return nil, nil
	}
	if pv.LessThan(cv) {
		return []Violation{{
			RuleID:   "SEMVER_REGRESSION",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("version %s regresses from current %s", pv, cv),
		}}, nil
	}
	if pv.Equal(cv) {
		return []Violation{{
			RuleID:   "SEMVER_REGRESSION",
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("version %s unchanged from current", pv),
		}}, nil
	}
	return nil, nil
}

func contentVersion(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Version
}
