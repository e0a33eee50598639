package policystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

type versionKey struct {
	policyID string
	version  int64
}

// MemoryBackend keeps versions and pointers in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	versions map[versionKey]*contracts.Policy
	maxVer   map[string]int64
	pointers map[string]int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		versions: make(map[versionKey]*contracts.Policy),
		maxVer:   make(map[string]int64),
		pointers: make(map[string]int64),
	}
}

func (b *MemoryBackend) InsertVersion(ctx context.Context, p *contracts.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := versionKey{p.PolicyID, p.Version}
	if _, exists := b.versions[key]; exists {
		return ErrVersionConflict
	}
	copied := *p
	b.versions[key] = &copied
	if p.Version > b.maxVer[p.PolicyID] {
		b.maxVer[p.PolicyID] = p.Version
	}
	return nil
}

func (b *MemoryBackend) GetVersion(ctx context.Context, policyID string, version int64) (*contracts.Policy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.versions[versionKey{policyID, version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", contracts.ErrVersionNotFound, policyID, version)
	}
	copied := *p
	return &copied, nil
}

func (b *MemoryBackend) MaxVersion(ctx context.Context, policyID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxVer[policyID], nil
}

func (b *MemoryBackend) ListVersions(ctx context.Context, policyID string) ([]*contracts.Policy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*contracts.Policy, 0)
	for key, p := range b.versions {
		if key.policyID == policyID {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (b *MemoryBackend) GetPointer(ctx context.Context, policyID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.pointers[policyID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", contracts.ErrPolicyNotFound, policyID)
	}
	return v, nil
}

func (b *MemoryBackend) SetPointer(ctx context.Context, policyID string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pointers[policyID] = version
	return nil
}

// Corrupt mutates a stored version in place. Test hook for integrity
// verification paths; not part of the Backend interface.
func (b *MemoryBackend) Corrupt(policyID string, version int64, mutate func(*contracts.Policy)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.versions[versionKey{policyID, version}]; ok {
		mutate(p)
	}
}
