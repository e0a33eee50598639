package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// MemoryLedger keeps the chain in process memory. Used by tests and by
// single-node development deployments.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*contracts.AuditEntry
	head    string
	clock   func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{head: contracts.GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, actor string, action contracts.AuditAction, payloadRef, details string) (*contracts.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &contracts.AuditEntry{
		EntryID:    uuid.New().String(),
		Sequence:   uint64(len(l.entries)),
		Timestamp:  l.clock().UTC(),
		Actor:      actor,
		Action:     action,
		PayloadRef: payloadRef,
		Details:    details,
		PrevHash:   l.head,
	}
	hash, err := EntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrStoreWrite, err)
	}
	entry.Hash = hash

	l.entries = append(l.entries, entry)
	l.head = hash
	copied := *entry
	return &copied, nil
}

func (l *MemoryLedger) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (ChainReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := uint64(len(l.entries))
	// A range starting past the tail has no predecessor hash to anchor
	// on, so the ledger cannot attest it.
	if fromSeq > n {
		return ChainReport{Intact: false, BrokenSequence: fromSeq}, nil
	}
	if n == 0 || fromSeq == n {
		return ChainReport{Intact: true}, nil
	}
	if toSeq == 0 || toSeq >= n {
		toSeq = n - 1
	}
	if fromSeq > toSeq {
		return ChainReport{Intact: true}, nil
	}

	prev := contracts.GenesisHash
	if fromSeq > 0 {
		prev = l.entries[fromSeq-1].Hash
	}
	return verifyEntries(l.entries[fromSeq:toSeq+1], prev)
}

func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]*contracts.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*contracts.AuditEntry, 0)
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) Len(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// Tamper overwrites a stored entry in place. Test hook for verifying
// chain-break detection; not part of the Ledger interface.
func (l *MemoryLedger) Tamper(seq uint64, mutate func(*contracts.AuditEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < uint64(len(l.entries)) {
		mutate(l.entries[seq])
	}
}
