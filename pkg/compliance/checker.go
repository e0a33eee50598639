// Package compliance evaluates proposed policy content against an ordered
// registry of rules. A BLOCK violation fails the check; WARN violations
// are recorded but do not block. Rules are pure functions of
// (policy_id, proposed, current) with a hard per-rule timeout, so a check
// is deterministic and can be replayed to verify a historical decision.
package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Severity grades a violation.
type Severity string

// Severities.
const (
	SeverityBlock Severity = "BLOCK"
	SeverityWarn  Severity = "WARN"
)

// Violation is a single rule finding.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the verdict of a full check. Passed is false iff any BLOCK
// violation was recorded.
type Result struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// BlockReasons renders the blocking violations as one human-readable
// string for rejection reasons.
func (r Result) BlockReasons() string {
	out := ""
	for _, v := range r.Violations {
		if v.Severity != SeverityBlock {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += fmt.Sprintf("%s: %s", v.RuleID, v.Message)
	}
	return out
}

// Input is the read-only tuple a rule sees. Current is nil when the
// policy has no effective version yet (bootstrap proposals).
type Input struct {
	PolicyID string
	Proposed []byte
	Current  []byte
}

// Rule is a pure check over an Input. Implementations must not perform
// I/O; execution is bounded by the checker's per-rule timeout.
type Rule interface {
	ID() string
	Check(ctx context.Context, in Input) ([]Violation, error)
}

// RuleTimeout is the fixed rule id reported when a rule exceeds its
// execution budget. Treated as BLOCK: a rule that cannot finish cannot
// vouch for the change.
const RuleTimeout = "RULE_TIMEOUT"

// RuleError is reported when a rule returns an error. Also BLOCK;
// fail closed.
const RuleError = "RULE_ERROR"

// DefaultRuleTimeout bounds a single rule's execution.
const DefaultRuleTimeout = 2 * time.Second

// Registry holds the ordered rule list for the checker. Registration is
// tied to service startup; List returns rules in registration order.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	ids   map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]bool)}
}

// Register appends a rule. Duplicate ids are rejected so replayed checks
// cannot silently run a different rule under the same name.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ids[rule.ID()] {
		return fmt.Errorf("rule %q already registered", rule.ID())
	}
	r.ids[rule.ID()] = true
	r.rules = append(r.rules, rule)
	return nil
}

// List returns the rules in registration order.
func (r *Registry) List() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Checker runs the registered rules against proposed content.
type Checker struct {
	registry    *Registry
	ruleTimeout time.Duration
}

// NewChecker creates a checker over the registry with the default
// per-rule timeout.
func NewChecker(registry *Registry) *Checker {
	return &Checker{registry: registry, ruleTimeout: DefaultRuleTimeout}
}

// WithRuleTimeout overrides the per-rule execution budget.
func (c *Checker) WithRuleTimeout(d time.Duration) *Checker {
	c.ruleTimeout = d
	return c
}

// Check evaluates every registered rule in order and aggregates the
// verdict. Calling it twice with identical inputs yields an identical
// result; violations are sorted by (rule id, message) so ordering inside
// a rule's findings cannot leak nondeterminism.
func (c *Checker) Check(ctx context.Context, in Input) Result {
	violations := make([]Violation, 0)

	for _, rule := range c.registry.List() {
		violations = append(violations, c.runRule(ctx, rule, in)...)
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].RuleID != violations[j].RuleID {
			return violations[i].RuleID < violations[j].RuleID
		}
		return violations[i].Message < violations[j].Message
	})

	passed := true
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			passed = false
			break
		}
	}
	return Result{Passed: passed, Violations: violations}
}

// runRule executes one rule under the per-rule deadline. The rule runs in
// its own goroutine so a stuck rule cannot stall the check past its
// budget; its result is discarded once the deadline fires.
func (c *Checker) runRule(parent context.Context, rule Rule, in Input) []Violation {
	ctx, cancel := context.WithTimeout(parent, c.ruleTimeout)
	defer cancel()

	type outcome struct {
		violations []Violation
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		vs, err := rule.Check(ctx, in)
		done <- outcome{vs, err}
	}()

	select {
	case <-ctx.Done():
		return []Violation{{
			RuleID:   RuleTimeout,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("rule %s exceeded %s budget", rule.ID(), c.ruleTimeout),
		}}
	case out := <-done:
		if out.err != nil {
			return []Violation{{
				RuleID:   RuleError,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("rule %s failed: %v", rule.ID(), out.err),
			}}
		}
		return out.violations
	}
}
