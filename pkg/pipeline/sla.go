package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// slaExpiredReason is the recorded reason when review time runs out at
// the top tier. Expiry never auto-approves: an unreviewed change is
// rejected, not applied.
const slaExpiredReason = "SLA_EXPIRED"

// orphanedReason is recorded when the sweep reaps a proposal whose
// submission never finished routing.
const orphanedReason = "submission interrupted before routing"

// ExpireOverdue sweeps the review queue once. Overdue proposals below
// the top tier escalate one level; overdue proposals at the top tier
// close rejected. Each expired proposal gets one SLA_EXPIRE audit entry.
// Returns the number of proposals acted on.
//
// The sweep also reaps proposals stuck in PENDING_REVIEW. That state
// only exists inside Submit, under the policy lock; one observed here
// means a crash or store fault interrupted routing, and with no
// deadline it would otherwise stay open forever. It is rejected, never
// applied.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	open, err := e.proposals.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	now := e.clock().UTC()
	acted := 0
	for _, prop := range open {
		if prop.Status == contracts.StatusPendingReview {
			reaped, err := e.reapOrphan(ctx, prop.ProposalID)
			if err != nil {
				return acted, err
			}
			if reaped {
				acted++
			}
			continue
		}
		if prop.Deadline.IsZero() || prop.Deadline.After(now) {
			continue
		}
		if err := e.expireOne(ctx, prop.ProposalID); err != nil {
			return acted, err
		}
		acted++
	}
	return acted, nil
}

// reapOrphan fail-closed rejects a proposal abandoned in PENDING_REVIEW.
// Re-read under the policy lock: if the submitting goroutine is still
// routing it, the lock serializes us behind it and the re-read sees the
// routed status.
func (e *Engine) reapOrphan(ctx context.Context, proposalID string) (bool, error) {
	prop, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return false, err
	}

	unlock := e.store.LockPolicy(prop.PolicyID)
	defer unlock()

	prop, err = e.proposals.Get(ctx, proposalID)
	if err != nil {
		return false, err
	}
	if prop.Status != contracts.StatusPendingReview {
		return false, nil
	}
	e.logger.Warn("reaping orphaned proposal", "proposal_id", prop.ProposalID, "policy_id", prop.PolicyID)
	return true, e.closeRejected(ctx, prop, slaActor, orphanedReason)
}

// expireOne re-reads the proposal under its policy lock before acting;
// a reviewer may have decided it between the sweep's list and now.
func (e *Engine) expireOne(ctx context.Context, proposalID string) error {
	prop, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return err
	}

	unlock := e.store.LockPolicy(prop.PolicyID)
	defer unlock()

	prop, err = e.proposals.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if prop.Status != contracts.StatusInHumanQueue && prop.Status != contracts.StatusEscalated {
		return nil
	}
	now := e.clock().UTC()
	if prop.Deadline.IsZero() || prop.Deadline.After(now) {
		return nil
	}

	gov := e.gov.Resolve(prop.PolicyID)
	if prop.Tier < gov.MaxTier {
		prop.Status = contracts.StatusEscalated
		prop.Tier++
		prop.Deadline = now.Add(gov.EscalatedSLA)
		if err := e.proposals.Update(ctx, prop); err != nil {
			return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
		}
		if _, err := e.ledger.Append(ctx, slaActor, contracts.AuditSLAExpire, prop.ProposalID,
			fmt.Sprintf("review SLA expired, escalated to tier %d", prop.Tier)); err != nil {
			return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
		}
		e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
			ProposalID: prop.ProposalID,
			PolicyID:   prop.PolicyID,
			Action:     contracts.ActionEscalate,
			DecidedAt:  now,
		})
		e.logger.Warn("review SLA expired, escalated", "proposal_id", prop.ProposalID, "tier", prop.Tier)
		return nil
	}

	prop.Status = contracts.StatusClosed
	prop.Disposition = contracts.DispositionRejected
	prop.Reason = slaExpiredReason
	prop.ClosedAt = now
	if err := e.proposals.Update(ctx, prop); err != nil {
		return fmt.Errorf("%w: update proposal: %v", contracts.ErrStoreWrite, err)
	}
	if _, err := e.ledger.Append(ctx, slaActor, contracts.AuditSLAExpire, prop.ProposalID,
		fmt.Sprintf("review SLA expired at top tier %d, rejected", prop.Tier)); err != nil {
		return fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}
	e.emitter.ProposalDecided(ctx, contracts.ProposalDecidedEvent{
		ProposalID: prop.ProposalID,
		PolicyID:   prop.PolicyID,
		Action:     contracts.ActionReject,
		DecidedAt:  now,
	})
	e.logger.Warn("review SLA expired at top tier, rejected", "proposal_id", prop.ProposalID, "tier", prop.Tier)
	return nil
}

// Scanner periodically sweeps the queue for overdue proposals.
type Scanner struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewScanner creates a scanner over the engine.
func NewScanner(engine *Engine, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{engine: engine, interval: interval, logger: logger}
}

// Run sweeps at the configured interval until the context is done.
// A failed sweep is logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sla scanner started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sla scanner stopped")
			return
		case <-ticker.C:
			n, err := s.engine.ExpireOverdue(ctx)
			if err != nil {
				s.logger.Error("sla sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("sla sweep acted on overdue proposals", "count", n)
			}
		}
	}
}
