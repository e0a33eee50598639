// Package ledger implements the append-only, hash-chained audit ledger.
// Every pipeline state transition writes exactly one entry. The chain is
// independently re-verifiable by any reader: hash(n) is a deterministic
// function of entry n's fields and prev_hash(n) = hash(n-1), with entry 0
// anchored at the fixed genesis constant.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/statecraft-io/ordinance/pkg/canonicalize"
	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// ErrNotFound is returned when a queried entry does not exist.
var ErrNotFound = errors.New("ledger entry not found")

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Actor      string
	Action     contracts.AuditAction
	PayloadRef string
	FromSeq    uint64
	ToSeq      uint64 // inclusive; 0 means open-ended
	Limit      int
}

// ChainReport is the result of a range verification.
type ChainReport struct {
	Intact bool `json:"intact"`
	// BrokenSequence is the sequence of the first entry that fails
	// verification. Meaningful only when Intact is false.
	BrokenSequence uint64 `json:"broken_sequence,omitempty"`
	Checked        int    `json:"checked"`
}

// Ledger is the append-only audit log. Append is globally serialized so
// the sequence is gapless and no two entries ever race for the same
// prev_hash. Query and VerifyChain are safe for concurrent readers.
type Ledger interface {
	Append(ctx context.Context, actor string, action contracts.AuditAction, payloadRef, details string) (*contracts.AuditEntry, error)
	VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (ChainReport, error)
	Query(ctx context.Context, f Filter) ([]*contracts.AuditEntry, error)
	Len(ctx context.Context) (uint64, error)
}

// EntryHash computes the deterministic hash of an entry: SHA-256 over the
// JCS canonical form of every field except Hash itself.
func EntryHash(e *contracts.AuditEntry) (string, error) {
	payload := map[string]any{
		"entry_id":    e.EntryID,
		"sequence":    e.Sequence,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":       e.Actor,
		"action":      string(e.Action),
		"payload_ref": e.PayloadRef,
		"details":     e.Details,
		"prev_hash":   e.PrevHash,
	}
	return canonicalize.CanonicalHash(payload)
}

// verifyEntries walks a contiguous slice of entries and checks both the
// link to the preceding hash and each entry's own content hash.
// prevHash is the expected PrevHash of the first entry in the slice.
func verifyEntries(entries []*contracts.AuditEntry, prevHash string) (ChainReport, error) {
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return ChainReport{Intact: false, BrokenSequence: e.Sequence, Checked: i + 1}, nil
		}
		computed, err := EntryHash(e)
		if err != nil {
			return ChainReport{}, err
		}
		if computed != e.Hash {
			return ChainReport{Intact: false, BrokenSequence: e.Sequence, Checked: i + 1}, nil
		}
		prevHash = e.Hash
	}
	return ChainReport{Intact: true, Checked: len(entries)}, nil
}

func matches(e *contracts.AuditEntry, f Filter) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.PayloadRef != "" && e.PayloadRef != f.PayloadRef {
		return false
	}
	if e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq != 0 && e.Sequence > f.ToSeq {
		return false
	}
	return true
}
