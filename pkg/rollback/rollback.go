// Package rollback restores a previous policy version by moving the
// current pointer. Nothing is rewritten or deleted: the rollback itself
// is a new audited transition, so a rollback can in turn be rolled back.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/events"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/policystore"
)

// Authorizer gates who may roll a policy back. Rollback is a privileged
// operation; the proposal flow never calls it.
type Authorizer interface {
	ActorMayRollback(actor, policyID string) bool
}

// AllowAll permits every actor. Development use only.
type AllowAll struct{}

func (AllowAll) ActorMayRollback(string, string) bool { return true }

// Manager executes authorized rollbacks.
type Manager struct {
	store   *policystore.Store
	ledger  ledger.Ledger
	emitter events.Emitter
	authz   Authorizer
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a rollback manager.
func New(store *policystore.Store, led ledger.Ledger, authz Authorizer) *Manager {
	return &Manager{
		store:   store,
		ledger:  led,
		emitter: events.NopEmitter{},
		authz:   authz,
		logger:  slog.Default(),
		clock:   time.Now,
	}
}

// WithEmitter sets the event emitter.
func (m *Manager) WithEmitter(em events.Emitter) *Manager {
	m.emitter = em
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Rollback points the policy at targetVersion. The target is loaded and
// verified first: a rollback to a corrupted or forged version must fail,
// not install it. Runs under the policy's store lock so it cannot
// interleave with an approval commit.
func (m *Manager) Rollback(ctx context.Context, policyID string, targetVersion int64, actor, reason string) (*contracts.Policy, error) {
	if actor == "" || reason == "" {
		return nil, fmt.Errorf("%w: actor and reason are required", contracts.ErrValidation)
	}
	if !m.authz.ActorMayRollback(actor, policyID) {
		return nil, fmt.Errorf("%w: %s may not roll back %s", contracts.ErrUnauthorized, actor, policyID)
	}

	unlock := m.store.LockPolicy(policyID)
	defer unlock()

	current, err := m.store.CurrentVersion(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if targetVersion == current {
		return nil, fmt.Errorf("%w: version %d is already current for %s", contracts.ErrValidation, targetVersion, policyID)
	}

	target, err := m.store.GetVersion(ctx, policyID, targetVersion)
	if err != nil {
		return nil, err
	}

	if err := m.store.SetPointer(ctx, policyID, targetVersion); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(ctx, actor, contracts.AuditRollback, policyID,
		fmt.Sprintf("rolled back from version %d to %d: %s", current, targetVersion, reason)); err != nil {
		if rerr := m.store.SetPointer(ctx, policyID, current); rerr != nil {
			m.logger.Error("pointer restore failed after audit error", "policy_id", policyID, "version", current, "error", rerr)
		}
		return nil, fmt.Errorf("%w: audit append: %v", contracts.ErrStoreWrite, err)
	}

	m.emitter.PolicyChanged(ctx, contracts.PolicyChangedEvent{
		PolicyID:   policyID,
		NewVersion: targetVersion,
		Rollback:   true,
		ChangedAt:  m.clock().UTC(),
	})
	m.logger.Info("policy rolled back", "policy_id", policyID, "from", current, "to", targetVersion, "actor", actor)
	return target, nil
}
