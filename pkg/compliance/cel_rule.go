package compliance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELRule evaluates a CEL expression over the proposed and current
// content. The environment exposes only policy_id, proposed and current
// as decoded JSON plus the CEL standard library, so evaluation stays
// deterministic and replayable.
//
// The expression must yield a bool: true means compliant; false records a
// violation at the rule's severity.
type CELRule struct {
	id       string
	severity Severity
	message  string
	program  cel.Program
}

// celEnv is shared by all CEL rules; the environment is immutable after
// construction and safe for concurrent use.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("policy_id", cel.StringType),
		cel.Variable("proposed", cel.DynType),
		cel.Variable("current", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("compliance: cel environment: %v", err))
	}
	return env
}()

// NewCELRule compiles an expression into a rule. Compilation errors are
// surfaced at registration time so a malformed rule can never reach a
// running checker.
func NewCELRule(id string, severity Severity, expr, message string) (*CELRule, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %s: compile: %w", id, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must yield bool, got %s", id, ast.OutputType())
	}
	program, err := celEnv.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("rule %s: program: %w", id, err)
	}
	return &CELRule{id: id, severity: severity, message: message, program: program}, nil
}

func (r *CELRule) ID() string { return r.id }

func (r *CELRule) Check(ctx context.Context, in Input) ([]Violation, error) {
	proposed, err := decodeJSON(in.Proposed)
	if err != nil {
		return nil, fmt.Errorf("proposed content is not valid JSON: %w", err)
	}
	// Bootstrap proposals have no current version; rules see null.
	var current any
	if len(in.Current) > 0 {
		current, err = decodeJSON(in.Current)
		if err != nil {
			return nil, fmt.Errorf("current content is not valid JSON: %w", err)
		}
	}

	out, _, err := r.program.ContextEval(ctx, map[string]any{
		"policy_id": in.PolicyID,
		"proposed":  proposed,
		"current":   current,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}

	ok, isBool := out.Value().(bool)
	if !isBool {
		return nil, fmt.Errorf("expression yielded %T, want bool", out.Value())
	}
	if ok {
		return nil, nil
	}
	return []Violation{{RuleID: r.id, Severity: r.severity, Message: r.message}}, nil
}

func decodeJSON(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
