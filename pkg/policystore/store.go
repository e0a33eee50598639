// Package policystore holds immutable, signed policy versions and the
// mutable current-version pointer per policy id. Version assignment is
// serialized per policy id, and every read of effective content re-verifies
// hash and signature before returning.
package policystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/statecraft-io/ordinance/pkg/canonicalize"
	"github.com/statecraft-io/ordinance/pkg/contracts"
	"github.com/statecraft-io/ordinance/pkg/crypto"
)

// writeRetries bounds internal retries of a lost version-assignment race
// before ErrStoreWrite surfaces to the caller.
const writeRetries = 3

// ErrVersionConflict is returned by backends when an insert loses the
// race for a version slot. The store retries it internally.
var ErrVersionConflict = errors.New("version slot already taken")

// Backend is the persistence layer beneath the store. Implementations
// must reject inserts for an existing (policy_id, version) pair with
// ErrVersionConflict.
type Backend interface {
	InsertVersion(ctx context.Context, p *contracts.Policy) error
	GetVersion(ctx context.Context, policyID string, version int64) (*contracts.Policy, error)
	MaxVersion(ctx context.Context, policyID string) (int64, error)
	ListVersions(ctx context.Context, policyID string) ([]*contracts.Policy, error)
	GetPointer(ctx context.Context, policyID string) (int64, error)
	SetPointer(ctx context.Context, policyID string, version int64) error
}

// Store signs, versions and verifies policies over a Backend.
type Store struct {
	backend Backend
	signer  crypto.Signer
	clock   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store over the given backend and signing key.
func New(backend Backend, signer crypto.Signer) *Store {
	return &Store{
		backend: backend,
		signer:  signer,
		clock:   time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// LockPolicy acquires the per-policy serialization lock and returns its
// release function. The decision engine holds this lock across the whole
// read-check-commit-audit sequence so concurrent approvals for the same
// policy cannot both claim version N+1.
func (s *Store) LockPolicy(policyID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[policyID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[policyID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// PutVersion computes the content hash, signs it, assigns the next
// version for the policy id and persists the record immutably. Safe to
// retry: version assignment happens under the per-policy lock, and a lost
// race on the slot is retried up to the internal bound.
func (s *Store) PutVersion(ctx context.Context, policyID string, content []byte, author string) (*contracts.Policy, error) {
	if policyID == "" || len(content) == 0 {
		return nil, fmt.Errorf("%w: policy id and content are required", contracts.ErrValidation)
	}

	unlock := s.LockPolicy(policyID)
	defer unlock()
	return s.putVersionLocked(ctx, policyID, content, author)
}

// PutVersionLocked is PutVersion for callers that already hold the
// per-policy lock via LockPolicy.
func (s *Store) PutVersionLocked(ctx context.Context, policyID string, content []byte, author string) (*contracts.Policy, error) {
	if policyID == "" || len(content) == 0 {
		return nil, fmt.Errorf("%w: policy id and content are required", contracts.ErrValidation)
	}
	return s.putVersionLocked(ctx, policyID, content, author)
}

func (s *Store) putVersionLocked(ctx context.Context, policyID string, content []byte, author string) (*contracts.Policy, error) {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		max, err := s.backend.MaxVersion(ctx, policyID)
		if err != nil {
			return nil, fmt.Errorf("%w: read max version: %v", contracts.ErrStoreWrite, err)
		}

		p := &contracts.Policy{
			PolicyID:    policyID,
			Version:     max + 1,
			Content:     content,
			ContentHash: canonicalize.HashBytes(content),
			CreatedAt:   s.clock().UTC(),
			CreatedBy:   author,
		}
		if err := s.signer.SignPolicy(p); err != nil {
			return nil, fmt.Errorf("%w: %v", contracts.ErrSignature, err)
		}

		err = s.backend.InsertVersion(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", contracts.ErrStoreWrite, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", contracts.ErrStoreWrite, lastErr)
}

// GetCurrent resolves the pointer and loads the referenced version,
// re-verifying hash and signature before returning. Corrupted data never
// leaves this method silently.
func (s *Store) GetCurrent(ctx context.Context, policyID string) (*contracts.Policy, error) {
	version, err := s.backend.GetPointer(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return s.GetVersion(ctx, policyID, version)
}

// GetVersion loads and verifies a specific historical version.
func (s *Store) GetVersion(ctx context.Context, policyID string, version int64) (*contracts.Policy, error) {
	p, err := s.backend.GetVersion(ctx, policyID, version)
	if err != nil {
		return nil, err
	}
	if err := s.verify(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListVersions returns all versions of a policy for history browsing.
// Records are returned as stored; callers reading content for effect must
// use GetVersion, which verifies.
func (s *Store) ListVersions(ctx context.Context, policyID string) ([]*contracts.Policy, error) {
	return s.backend.ListVersions(ctx, policyID)
}

// SetPointer moves the current pointer. Used only by the decision engine
// (on approval) and the rollback manager; the target version must exist.
func (s *Store) SetPointer(ctx context.Context, policyID string, version int64) error {
	if _, err := s.backend.GetVersion(ctx, policyID, version); err != nil {
		return err
	}
	if err := s.backend.SetPointer(ctx, policyID, version); err != nil {
		return fmt.Errorf("%w: set pointer: %v", contracts.ErrStoreWrite, err)
	}
	return nil
}

// CurrentVersion returns the pointer without loading content.
func (s *Store) CurrentVersion(ctx context.Context, policyID string) (int64, error) {
	return s.backend.GetPointer(ctx, policyID)
}

// Exists reports whether the policy id has at least one version.
func (s *Store) Exists(ctx context.Context, policyID string) (bool, error) {
	max, err := s.backend.MaxVersion(ctx, policyID)
	if err != nil {
		return false, err
	}
	return max > 0, nil
}

func (s *Store) verify(p *contracts.Policy) error {
	if canonicalize.HashBytes(p.Content) != p.ContentHash {
		return fmt.Errorf("%w: content hash mismatch for %s v%d", contracts.ErrIntegrity, p.PolicyID, p.Version)
	}
	ok, err := s.signer.VerifyPolicy(p)
	if err != nil {
		return fmt.Errorf("%w: %s v%d: %v", contracts.ErrIntegrity, p.PolicyID, p.Version, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature invalid for %s v%d", contracts.ErrIntegrity, p.PolicyID, p.Version)
	}
	return nil
}
