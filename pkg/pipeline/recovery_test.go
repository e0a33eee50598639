package pipeline

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statecraft-io/ordinance/pkg/compliance"
	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/crypto"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/policystore"
)

// newSQLEngine builds an engine over the shared database, simulating one
// process lifetime.
func newSQLEngine(t *testing.T, db *sql.DB) *Engine {
	t.Helper()
	// Same derived key both lifetimes, as a responsible deployment would
	// configure via its master seed.
	signer, err := crypto.DeriveSigner(
		"6f1d2c3b4a5968778695a4b3c2d1e0ff6f1d2c3b4a5968778695a4b3c2d1e0ff",
		"recovery-key",
	)
	require.NoError(t, err)

	registry := compliance.NewRegistry()
	require.NoError(t, registry.Register(compliance.StructuralRule{}))

	backend := policystore.NewSQLBackend(db)
	require.NoError(t, backend.Init(context.Background()))
	led := ledger.NewSQLLedger(db)
	require.NoError(t, led.Init(context.Background()))
	proposals := NewSQLProposalStore(db)
	require.NoError(t, proposals.Init(context.Background()))

	store := policystore.New(backend, signer)
	return NewEngine(store, compliance.NewChecker(registry), led, proposals, NewStaticResolver(nil))
}

// Queued proposals and their deadlines survive a restart: a fresh engine
// over the same database can list, expire and decide them, and the audit
// chain continues unbroken.
func TestQueueRecoveryAfterRestart(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	first := newSQLEngine(t, db)
	_, err = first.Bootstrap(ctx, "SNAP_INCOME", []byte(`{"max_income":2000}`), "human:admin")
	require.NoError(t, err)
	prop, err := first.Submit(ctx, "SNAP_INCOME", []byte(`{"max_income":2100}`),
		contracts.HumanSource("analyst"))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusInHumanQueue, prop.Status)

	// "Restart": a new engine over the same database.
	second := newSQLEngine(t, db)

	open, err := second.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, prop.ProposalID, open[0].ProposalID)
	assert.True(t, open[0].Deadline.Equal(prop.Deadline), "deadline %v != %v", open[0].Deadline, prop.Deadline)

	decided, err := second.Decide(ctx, prop.ProposalID, "reviewer-1", contracts.ActionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, contracts.DispositionApproved, decided.Disposition)
	assert.Equal(t, int64(2), decided.AppliedVersion)

	report, err := ledger.NewSQLLedger(db).VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Equal(t, 3, report.Checked) // bootstrap, enqueue, approve
}

// An overdue deadline written before the restart is honored by the new
// engine's scanner sweep.
func TestOverdueDeadlineSurvivesRestart(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	past := time.Now().Add(-72 * time.Hour)
	first := newSQLEngine(t, db).WithClock(func() time.Time { return past })
	_, err = first.Bootstrap(ctx, "SNAP_INCOME", []byte(`{"max_income":2000}`), "human:admin")
	require.NoError(t, err)
	prop, err := first.Submit(ctx, "SNAP_INCOME", []byte(`{"max_income":2100}`),
		contracts.HumanSource("analyst"))
	require.NoError(t, err)

	second := newSQLEngine(t, db)
	n, err := second.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.Get(ctx, prop.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, got.Status)
	assert.Equal(t, 2, got.Tier)
}
