package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/crypto"
	"github.com/statecraft-io/ordinance/pkg/events"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/policystore"
)

type denyAgents struct{}

func (denyAgents) ActorMayRollback(actor, _ string) bool {
	return actor == "human:operator"
}

func newManager(t *testing.T, authz Authorizer) (*Manager, *policystore.Store, *policystore.MemoryBackend, *ledger.MemoryLedger) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	backend := policystore.NewMemoryBackend()
	store := policystore.New(backend, signer)
	led := ledger.NewMemoryLedger()
	return New(store, led, authz), store, backend, led
}

func seedVersions(t *testing.T, store *policystore.Store, contents ...string) {
	t.Helper()
	ctx := context.Background()
	for _, c := range contents {
		p, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(c), "human:admin")
		require.NoError(t, err)
		require.NoError(t, store.SetPointer(ctx, "SNAP_INCOME", p.Version))
	}
}

func TestRollbackMovesPointerAndAudits(t *testing.T) {
	m, store, _, led := newManager(t, AllowAll{})
	ctx := context.Background()
	seedVersions(t, store, `{"max_income":2000}`, `{"max_income":2100}`, `{"max_income":2500}`)

	target, err := m.Rollback(ctx, "SNAP_INCOME", 1, "human:operator", "bad change in v3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), target.Version)

	current, err := store.GetCurrent(ctx, "SNAP_INCOME")
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_income":2000}`, string(current.Content))

	entries, err := led.Query(ctx, ledger.Filter{Action: contracts.AuditRollback})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "human:operator", entries[0].Actor)
	assert.Contains(t, entries[0].Details, "from version 3 to 1")
}

// A rollback is itself a pointer move, so rolling the rollback back
// restores the pre-rollback state exactly.
func TestRollbackIsInvertible(t *testing.T) {
	m, store, _, _ := newManager(t, AllowAll{})
	ctx := context.Background()
	seedVersions(t, store, `{"max_income":2000}`, `{"max_income":2100}`)

	_, err := m.Rollback(ctx, "SNAP_INCOME", 1, "human:operator", "step back")
	require.NoError(t, err)
	_, err = m.Rollback(ctx, "SNAP_INCOME", 2, "human:operator", "step forward")
	require.NoError(t, err)

	current, err := store.GetCurrent(ctx, "SNAP_INCOME")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.JSONEq(t, `{"max_income":2100}`, string(current.Content))
}

func TestRollbackToMissingVersion(t *testing.T) {
	m, store, _, _ := newManager(t, AllowAll{})
	seedVersions(t, store, `{"max_income":2000}`)

	_, err := m.Rollback(context.Background(), "SNAP_INCOME", 9, "human:operator", "oops")
	assert.True(t, errors.Is(err, contracts.ErrVersionNotFound), "got %v", err)
}

func TestRollbackToCurrentVersionRefused(t *testing.T) {
	m, store, _, _ := newManager(t, AllowAll{})
	seedVersions(t, store, `{"max_income":2000}`)

	_, err := m.Rollback(context.Background(), "SNAP_INCOME", 1, "human:operator", "no-op")
	assert.True(t, errors.Is(err, contracts.ErrValidation), "got %v", err)
}

func TestRollbackToCorruptedVersionRefused(t *testing.T) {
	m, store, backend, _ := newManager(t, AllowAll{})
	ctx := context.Background()
	seedVersions(t, store, `{"max_income":2000}`, `{"max_income":2100}`)

	backend.Corrupt("SNAP_INCOME", 1, func(p *contracts.Policy) {
		p.Content = []byte(`{"max_income":999999}`)
	})

	_, err := m.Rollback(ctx, "SNAP_INCOME", 1, "human:operator", "restore")
	assert.True(t, errors.Is(err, contracts.ErrIntegrity), "got %v", err)

	// Pointer stays put.
	v, err := store.CurrentVersion(ctx, "SNAP_INCOME")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestRollbackUnauthorizedActor(t *testing.T) {
	m, store, _, led := newManager(t, denyAgents{})
	seedVersions(t, store, `{"max_income":2000}`, `{"max_income":2100}`)

	_, err := m.Rollback(context.Background(), "SNAP_INCOME", 1, "agent:rogue", "revert")
	assert.True(t, errors.Is(err, contracts.ErrUnauthorized), "got %v", err)

	// Denied attempts leave no rollback entry.
	entries, err := led.Query(context.Background(), ledger.Filter{Action: contracts.AuditRollback})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRollbackEmitsRollbackEvent(t *testing.T) {
	m, store, _, _ := newManager(t, AllowAll{})
	seedVersions(t, store, `{"max_income":2000}`, `{"max_income":2100}`)

	dispatcher := events.NewDispatcher()
	var got []contracts.PolicyChangedEvent
	dispatcher.OnPolicyChanged(func(ev contracts.PolicyChangedEvent) { got = append(got, ev) })
	m.WithEmitter(dispatcher)

	_, err := m.Rollback(context.Background(), "SNAP_INCOME", 1, "human:operator", "revert")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].Rollback)
	assert.Equal(t, int64(1), got[0].NewVersion)
}
