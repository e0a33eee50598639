package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// ProposalStore persists proposals and their decision trail. Update
// replaces the whole record; the engine is the only writer and always
// holds the per-policy lock while mutating lifecycle fields.
type ProposalStore interface {
	Create(ctx context.Context, p *contracts.Proposal) error
	Get(ctx context.Context, proposalID string) (*contracts.Proposal, error)
	Update(ctx context.Context, p *contracts.Proposal) error
	ListOpen(ctx context.Context) ([]*contracts.Proposal, error)
	ListByStatus(ctx context.Context, status contracts.ProposalStatus) ([]*contracts.Proposal, error)
	AddDecision(ctx context.Context, d *contracts.Decision) error
	ListDecisions(ctx context.Context, proposalID string) ([]*contracts.Decision, error)
}

// MemoryProposalStore is the in-memory ProposalStore for tests and
// single-node development runs.
type MemoryProposalStore struct {
	mu        sync.RWMutex
	proposals map[string]*contracts.Proposal
	decisions map[string][]*contracts.Decision
}

// NewMemoryProposalStore creates an empty in-memory store.
func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{
		proposals: make(map[string]*contracts.Proposal),
		decisions: make(map[string][]*contracts.Decision),
	}
}

func (m *MemoryProposalStore) Create(ctx context.Context, p *contracts.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proposals[p.ProposalID] = &cp
	return nil
}

func (m *MemoryProposalStore) Get(ctx context.Context, proposalID string) (*contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[proposalID]
	if !ok {
		return nil, contracts.ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryProposalStore) Update(ctx context.Context, p *contracts.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ProposalID]; !ok {
		return contracts.ErrProposalNotFound
	}
	cp := *p
	m.proposals[p.ProposalID] = &cp
	return nil
}

func (m *MemoryProposalStore) ListOpen(ctx context.Context) ([]*contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Proposal
	for _, p := range m.proposals {
		if p.Open() {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortBySubmission(out)
	return out, nil
}

func (m *MemoryProposalStore) ListByStatus(ctx context.Context, status contracts.ProposalStatus) ([]*contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Proposal
	for _, p := range m.proposals {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortBySubmission(out)
	return out, nil
}

func (m *MemoryProposalStore) AddDecision(ctx context.Context, d *contracts.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.decisions[d.ProposalID] = append(m.decisions[d.ProposalID], &cp)
	return nil
}

func (m *MemoryProposalStore) ListDecisions(ctx context.Context, proposalID string) ([]*contracts.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.decisions[proposalID]
	out := make([]*contracts.Decision, 0, len(src))
	for _, d := range src {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func sortBySubmission(ps []*contracts.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].SubmittedAt.Equal(ps[j].SubmittedAt) {
			return ps[i].SubmittedAt.Before(ps[j].SubmittedAt)
		}
		return ps[i].ProposalID < ps[j].ProposalID
	})
}
