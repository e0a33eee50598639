package policystore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *MemoryBackend) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	backend := NewMemoryBackend()
	return New(backend, signer), backend
}

func TestPutVersionAssignsMonotonicVersions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	p1, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":100}`), "human:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.Version)
	assert.NotEmpty(t, p1.Signature)
	assert.NotEmpty(t, p1.ContentHash)

	p2, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":200}`), "human:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.Version)

	// Independent policy ids have independent version sequences.
	other, err := store.PutVersion(ctx, "MEDICAID_AGE", []byte(`{"min":65}`), "human:bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestGetCurrentFollowsPointerAndVerifies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	p1, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":100}`), "human:alice")
	require.NoError(t, err)
	require.NoError(t, store.SetPointer(ctx, "SNAP_INCOME", p1.Version))

	got, err := store.GetCurrent(ctx, "SNAP_INCOME")
	require.NoError(t, err)
	assert.Equal(t, p1.ContentHash, got.ContentHash)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetCurrentRejectsCorruptedContent(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	p1, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":100}`), "human:alice")
	require.NoError(t, err)
	require.NoError(t, store.SetPointer(ctx, "SNAP_INCOME", p1.Version))

	backend.Corrupt("SNAP_INCOME", 1, func(p *contracts.Policy) {
		p.Content = []byte(`{"limit":999999}`)
	})

	_, err = store.GetCurrent(ctx, "SNAP_INCOME")
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrIntegrity), "got %v", err)
}

func TestGetCurrentRejectsForgedSignature(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	p1, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":100}`), "human:alice")
	require.NoError(t, err)
	require.NoError(t, store.SetPointer(ctx, "SNAP_INCOME", p1.Version))

	// Re-hash so only the signature is inconsistent.
	backend.Corrupt("SNAP_INCOME", 1, func(p *contracts.Policy) {
		p.Signature = "deadbeef" + p.Signature[8:]
	})

	_, err = store.GetCurrent(ctx, "SNAP_INCOME")
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrIntegrity), "got %v", err)
}

func TestSetPointerRequiresExistingVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":100}`), "human:alice")
	require.NoError(t, err)

	err = store.SetPointer(ctx, "SNAP_INCOME", 7)
	assert.True(t, errors.Is(err, contracts.ErrVersionNotFound), "got %v", err)
}

func TestGetCurrentUnknownPolicy(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetCurrent(context.Background(), "NO_SUCH_POLICY")
	assert.True(t, errors.Is(err, contracts.ErrPolicyNotFound), "got %v", err)
}

func TestPutVersionRejectsEmptyInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutVersion(ctx, "", []byte(`{}`), "x")
	assert.True(t, errors.Is(err, contracts.ErrValidation))

	_, err = store.PutVersion(ctx, "P", nil, "x")
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

// Concurrent writers for the same policy id must never collide on a
// version slot: the sequence comes out gapless.
func TestConcurrentPutVersionsStaySequential(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	versions := make(chan int64, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.PutVersion(ctx, "SNAP_INCOME", []byte(`{"limit":1}`), "agent:a1")
			if err != nil {
				t.Errorf("PutVersion: %v", err)
				return
			}
			versions <- p.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "duplicate version %d", v)
		seen[v] = true
	}
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}
}
