// Package pipeline implements the proposal lifecycle: submission,
// compliance gating, auto-apply, the human review queue with tiered
// escalation, and SLA expiry. Every state transition commits exactly one
// audit entry, and all writes for a policy happen under that policy's
// store lock so concurrent approvals serialize on version assignment.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/statecraft-io/ordinance/pkg/compliance"
	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/events"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/policystore"
)

// slaActor attributes scanner-driven transitions in the audit ledger.
const slaActor = "system:sla"

// Engine drives proposals through the pipeline. It is the only writer of
// proposal lifecycle fields and the only caller of SetPointer outside
// the rollback manager.
type Engine struct {
	store     *policystore.Store
	checker   *compliance.Checker
	ledger    ledger.Ledger
	proposals ProposalStore
	gov       GovernanceResolver
	emitter   events.Emitter
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine wires the pipeline over its collaborators. Events default to
// a no-op emitter; use WithEmitter to publish externally.
func NewEngine(store *policystore.Store, checker *compliance.Checker, led ledger.Ledger, proposals ProposalStore, gov GovernanceResolver) *Engine {
	return &Engine{
		store:     store,
		checker:   checker,
		ledger:    led,
		proposals: proposals,
		gov:       gov,
		emitter:   events.NopEmitter{},
		logger:    slog.Default(),
		clock:     time.Now,
	}
}

// WithEmitter sets the event emitter.
func (e *Engine) WithEmitter(em events.Emitter) *Engine {
	e.emitter = em
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Bootstrap imports the initial version of a policy, bypassing the
// proposal flow. It refuses to run on a policy that already has
// versions; later changes must go through Submit.
func (e *Engine) Bootstrap(ctx context.Context, policyID string, content json.RawMessage, author string) (*contracts.Policy, error) {
	unlock := e.store.LockPolicy(policyID)
	defer unlock()

	exists, err := e.store.Exists(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: policy %s already has versions", contracts.ErrValidation, policyID)
	}

	pol, err := e.store.PutVersionLocked(ctx, policyID, content, author)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetPointer(ctx, policyID, pol.Version); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, author, contracts.AuditBootstrap, policyID,
		fmt.Sprintf("initial version %d", pol.Version)); err != nil {
		return nil, fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	e.emitter.PolicyChanged(ctx, contracts.PolicyChangedEvent{
		PolicyID:   policyID,
		NewVersion: pol.Version,
		ChangedAt:  pol.CreatedAt,
	})
	e.logger.Info("policy bootstrapped", "policy_id", policyID, "version", pol.Version, "author", author)
	return pol, nil
}

// Submit runs a proposed change through compliance and routes it:
// blocked proposals close rejected, qualifying agent proposals auto-apply,
// everything else enters the human review queue at tier 1. Exactly one
// audit entry records the outcome.
func (e *Engine) Submit(ctx context.Context, policyID string, payload json.RawMessage, source contracts.Source) (*contracts.Proposal, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: source must carry actor_id (human) or agent_id and confidence in [0,1] (agent)", contracts.ErrValidation)
	}
	actor := source.Actor()
	if policyID == "" || len(payload) == 0 {
		return nil, e.rejectSubmission(ctx, actor, policyID, "policy id and payload are required")
	}
	if !json.Valid(payload) {
		return nil, e.rejectSubmission(ctx, actor, policyID, "payload is not valid JSON")
	}

	unlock := e.store.LockPolicy(policyID)
	defer unlock()

	exists, err := e.store.Exists(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, e.rejectSubmission(ctx, actor, policyID, "unknown policy id")
	}

	current, err := e.store.GetCurrent(ctx, policyID)
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	prop := &contracts.Proposal{
		ProposalID:  uuid.NewString(),
		PolicyID:    policyID,
		Source:      source,
		Payload:     payload,
		Status:      contracts.StatusPendingReview,
		SubmittedAt: now,
	}
	if err := e.proposals.Create(ctx, prop); err != nil {
		return nil, fmt.Errorf("%w: create proposal: %v", contracts.ErrStoreWrite, err)
	}

	result := e.checker.Check(ctx, compliance.Input{
		PolicyID: policyID,
		Proposed: payload,
		Current:  current.Content,
	})

	gov := e.gov.Resolve(policyID)
	switch {
	case !result.Passed:
		if err := e.closeRejected(ctx, prop, actor, result.BlockReasons()); err != nil {
			return nil, err
		}
	case source.Kind == contracts.SourceAgent && gov.AutoApplyEnabled && source.Confidence >= gov.AutoApplyThreshold:
		if err := e.autoApply(ctx, prop, current.Version, actor); err != nil {
			return nil, err
		}
	default:
		if err := e.enqueue(ctx, prop, actor, gov); err != nil {
			return nil, err
		}
	}
	return prop, nil
}

// rejectSubmission records a refused submission in the ledger and
// returns the validation error. No proposal record is created.
func (e *Engine) rejectSubmission(ctx context.Context, actor, policyID, reason string) error {
	if _, err := e.ledger.Append(ctx, actor, contracts.AuditSubmitRejected, policyID, reason); err != nil {
		e.logger.Error("audit append failed for rejected submission", "policy_id", policyID, "error", err)
	}
	return fmt.Errorf("%w: %s", contracts.ErrValidation, reason)
}

func (e *Engine) closeRejected(ctx context.Context, prop *contracts.Proposal, actor, reason string) error {
	now := e.clock().UTC()
	prop.Status = contracts.StatusClosed
	prop.Disposition = contracts.DispositionRejected
	prop.Reason = reason
	prop.ClosedAt = now
	if err := e.proposals.Update(ctx, prop); err != nil {
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	if _, err := e.ledger.Append(ctx, actor, contracts.AuditReject, prop.ProposalID, reason); err != nil {
		return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
		ProposalID: prop.ProposalID,
		PolicyID:   prop.PolicyID,
		Action:     contracts.ActionReject,
		DecidedAt:  now,
	})
	e.logger.Info("proposal rejected", "proposal_id", prop.ProposalID, "policy_id", prop.PolicyID, "reason", reason)
	return nil
}

func (e *Engine) autoApply(ctx context.Context, prop *contracts.Proposal, prevVersion int64, actor string) error {
	pol, err := e.commitVersion(ctx, prop, prevVersion, actor, contracts.AuditAutoApprove)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	prop.Status = contracts.StatusClosed
	prop.Disposition = contracts.DispositionAutoApproved
	prop.AppliedVersion = pol.Version
	prop.ClosedAt = now
	if err := e.proposals.Update(ctx, prop); err != nil {
		e.logger.Error("proposal record behind ledger after auto-apply", "proposal_id", prop.ProposalID, "error", err)
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	e.emitter.PolicyChanged(ctx, contracts.PolicyChangedEvent{
		PolicyID:   prop.PolicyID,
		NewVersion: pol.Version,
		ChangedAt:  now,
	})
	e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
		ProposalID: prop.ProposalID,
		PolicyID:   prop.PolicyID,
		Action:     contracts.ActionApprove,
		DecidedAt:  now,
	})
	e.logger.Info("proposal auto-applied", "proposal_id", prop.ProposalID, "policy_id", prop.PolicyID, "version", pol.Version, "confidence", prop.Source.Confidence)
	return nil
}

func (e *Engine) enqueue(ctx context.Context, prop *contracts.Proposal, actor string, gov PolicyGovernance) error {
	now := e.clock().UTC()
	prop.Status = contracts.StatusInHumanQueue
	prop.Tier = 1
	prop.Deadline = now.Add(gov.ReviewSLA)
	if err := e.proposals.Update(ctx, prop); err != nil {
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	if _, err := e.ledger.Append(ctx, actor, contracts.AuditEnqueue, prop.ProposalID,
		fmt.Sprintf("queued at tier 1, deadline %s", prop.Deadline.Format(time.RFC3339))); err != nil {
		return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	e.logger.Info("proposal queued for review", "proposal_id", prop.ProposalID, "policy_id", prop.PolicyID, "deadline", prop.Deadline)
	return nil
}

// commitVersion writes the proposal payload as the next signed version
// and moves the pointer. If the audit append then fails the pointer is
// restored, so an unaudited version can never be effective; the orphaned
// version row is harmless because nothing points at it.
func (e *Engine) commitVersion(ctx context.Context, prop *contracts.Proposal, prevVersion int64, actor string, action contracts.AuditAction) (*contracts.Policy, error) {
	pol, err := e.store.PutVersionLocked(ctx, prop.PolicyID, prop.Payload, actor)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetPointer(ctx, prop.PolicyID, pol.Version); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, actor, action, prop.ProposalID,
		fmt.Sprintf("policy %s version %d effective", prop.PolicyID, pol.Version)); err != nil {
		if rerr := e.store.SetPointer(ctx, prop.PolicyID, prevVersion); rerr != nil {
			e.logger.Error("pointer restore failed after audit error", "policy_id", prop.PolicyID, "version", prevVersion, "error", rerr)
		}
		return nil, fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	return pol, nil
}

// Decide applies a reviewer verdict to a queued proposal. Approval
// re-runs compliance against the current effective version before
// committing, so a proposal that was clean at submission cannot slip
// past a rule that would block it now.
func (e *Engine) Decide(ctx context.Context, proposalID, reviewerID string, action contracts.DecisionAction, reason string) (*contracts.Proposal, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", contracts.ErrValidation)
	}
	switch action {
	case contracts.ActionApprove, contracts.ActionReject, contracts.ActionEscalate:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", contracts.ErrValidation, action)
	}

	prop, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	unlock := e.store.LockPolicy(prop.PolicyID)
	defer unlock()

	// Re-read under the lock; a concurrent decision may have closed it.
	prop, err = e.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if prop.Status != contracts.StatusInHumanQueue && prop.Status != contracts.StatusEscalated {
		return nil, fmt.Errorf("%w: proposal %s is %s", contracts.ErrInvalidTransition, proposalID, prop.Status)
	}

	actor := "human:" + reviewerID
	now := e.clock().UTC()
	tierAtDecision := prop.Tier

	switch action {
	case contracts.ActionReject:
		if err := e.closeReviewed(ctx, prop, actor, contracts.DispositionRejected, reason, 0); err != nil {
			return nil, err
		}
	case contracts.ActionEscalate:
		if err := e.escalate(ctx, prop, actor, reason); err != nil {
			return nil, err
		}
	case contracts.ActionApprove:
		if err := e.approve(ctx, prop, actor, reason); err != nil {
			return nil, err
		}
	}

	// Recorded only once the transition has committed, so a refused or
	// failed transition never leaves a phantom decision in the trail.
	decision := &contracts.Decision{
		DecisionID: uuid.NewString(),
		ProposalID: proposalID,
		ReviewerID: reviewerID,
		Action:     action,
		Reason:     reason,
		Tier:       tierAtDecision,
		DecidedAt:  now,
	}
	if err := e.proposals.AddDecision(ctx, decision); err != nil {
		e.logger.Error("decision record behind committed transition", "proposal_id", proposalID, "error", err)
		return nil, fmt.Errorf("%w: record decision: %v", contracts.ErrStoreWrite, err)
	}
	return prop, nil
}

func (e *Engine) approve(ctx context.Context, prop *contracts.Proposal, actor, reason string) error {
	current, err := e.store.GetCurrent(ctx, prop.PolicyID)
	if err != nil {
		return err
	}
	result := e.checker.Check(ctx, compliance.Input{
		PolicyID: prop.PolicyID,
		Proposed: prop.Payload,
		Current:  current.Content,
	})
	if !result.Passed {
		// The world changed since submission; fail closed.
		return e.closeReviewed(ctx, prop, actor, contracts.DispositionRejected,
			"compliance failed at approval: "+result.BlockReasons(), 0)
	}

	pol, err := e.commitVersion(ctx, prop, current.Version, actor, contracts.AuditApprove)
	if err != nil {
		return err
	}
	if err := e.closeReviewed(ctx, prop, actor, contracts.DispositionApproved, reason, pol.Version); err != nil {
		return err
	}
	e.emitter.PolicyChanged(ctx, contracts.PolicyChangedEvent{
		PolicyID:   prop.PolicyID,
		NewVersion: pol.Version,
		ChangedAt:  prop.ClosedAt,
	})
	return nil
}

// closeReviewed moves a proposal to CLOSED with the given disposition.
// The approval path has already written its audit entry via
// commitVersion; rejection paths write theirs here.
func (e *Engine) closeReviewed(ctx context.Context, prop *contracts.Proposal, actor string, disp contracts.Disposition, reason string, appliedVersion int64) error {
	now := e.clock().UTC()
	prop.Status = contracts.StatusClosed
	prop.Disposition = disp
	prop.Reason = reason
	prop.AppliedVersion = appliedVersion
	prop.ClosedAt = now
	if err := e.proposals.Update(ctx, prop); err != nil {
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	action := contracts.ActionReject
	if disp == contracts.DispositionApproved {
		action = contracts.ActionApprove
	} else {
		if _, err := e.ledger.Append(ctx, actor, contracts.AuditReject, prop.ProposalID, reason); err != nil {
			return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
		}
	}
	e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
		ProposalID: prop.ProposalID,
		PolicyID:   prop.PolicyID,
		Action:     action,
		DecidedAt:  now,
	})
	e.logger.Info("proposal closed", "proposal_id", prop.ProposalID, "disposition", string(disp), "actor", actor)
	return nil
}

func (e *Engine) escalate(ctx context.Context, prop *contracts.Proposal, actor, reason string) error {
	gov := e.gov.Resolve(prop.PolicyID)
	if prop.Tier >= gov.MaxTier {
		return fmt.Errorf("%w: proposal %s already at top tier %d", contracts.ErrInvalidTransition, prop.ProposalID, prop.Tier)
	}
	now := e.clock().UTC()
	prop.Status = contracts.StatusEscalated
	prop.Tier++
	prop.Deadline = now.Add(gov.EscalatedSLA)
	if err := e.proposals.Update(ctx, prop); err != nil {
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	if _, err := e.ledger.Append(ctx, actor, contracts.AuditEscalate, prop.ProposalID,
		fmt.Sprintf("escalated to tier %d: %s", prop.Tier, reason)); err != nil {
		return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
		ProposalID: prop.ProposalID,
		PolicyID:   prop.PolicyID,
		Action:     contracts.ActionEscalate,
		DecidedAt:  now,
	})
	e.logger.Info("proposal escalated", "proposal_id", prop.ProposalID, "tier", prop.Tier, "actor", actor)
	return nil
}

// Get returns a proposal by id.
func (e *Engine) Get(ctx context.Context, proposalID string) (*contracts.Proposal, error) {
	return e.proposals.Get(ctx, proposalID)
}

// ListPending returns all proposals awaiting review, queue order.
func (e *Engine) ListPending(ctx context.Context) ([]*contracts.Proposal, error) {
	return e.proposals.ListOpen(ctx)
}

// ListByStatus returns proposals in one lifecycle state, queue order.
func (e *Engine) ListByStatus(ctx context.Context, status contracts.ProposalStatus) ([]*contracts.Proposal, error) {
	switch status {
	case contracts.StatusPendingReview, contracts.StatusInHumanQueue, contracts.StatusEscalated, contracts.StatusClosed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", contracts.ErrValidation, status)
	}
	return e.proposals.ListByStatus(ctx, status)
}

// Decisions returns the review trail of a proposal.
func (e *Engine) Decisions(ctx context.Context, proposalID string) ([]*contracts.Decision, error) {
	return e.proposals.ListDecisions(ctx, proposalID)
}
