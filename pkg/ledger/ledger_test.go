package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

func TestMemoryLedgerAppendChains(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	e0, err := l.Append(ctx, "human:alice", contracts.AuditSubmit, "prop-1", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e0.Sequence != 0 {
		t.Errorf("first sequence = %d, want 0", e0.Sequence)
	}
	if e0.PrevHash != contracts.GenesisHash {
		t.Errorf("genesis prev_hash = %q", e0.PrevHash)
	}

	e1, err := l.Append(ctx, "human:alice", contracts.AuditApprove, "prop-1", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e1.Sequence != 1 {
		t.Errorf("second sequence = %d, want 1", e1.Sequence)
	}
	if e1.PrevHash != e0.Hash {
		t.Errorf("prev_hash = %q, want %q", e1.PrevHash, e0.Hash)
	}

	report, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !report.Intact || report.Checked != 2 {
		t.Errorf("report = %+v, want intact over 2 entries", report)
	}
}

func TestMemoryLedgerDetectsTampering(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "agent:a1", contracts.AuditSubmit, "prop", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	l.Tamper(2, func(e *contracts.AuditEntry) { e.Details = "forged" })

	report, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if report.Intact {
		t.Fatal("tampered chain reported intact")
	}
	if report.BrokenSequence != 2 {
		t.Errorf("broken at %d, want 2", report.BrokenSequence)
	}
}

func TestMemoryLedgerVerifySubrange(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := l.Append(ctx, "x", contracts.AuditEnqueue, "p", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	report, err := l.VerifyChain(ctx, 2, 4)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !report.Intact || report.Checked != 3 {
		t.Errorf("subrange report = %+v", report)
	}
}

func TestMemoryLedgerQueryFilters(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, _ = l.Append(ctx, "human:alice", contracts.AuditSubmit, "prop-1", "")
	_, _ = l.Append(ctx, "agent:a1", contracts.AuditSubmit, "prop-2", "")
	_, _ = l.Append(ctx, "human:alice", contracts.AuditApprove, "prop-1", "")

	byActor, err := l.Query(ctx, Filter{Actor: "human:alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("actor filter matched %d, want 2", len(byActor))
	}

	byRef, _ := l.Query(ctx, Filter{PayloadRef: "prop-2"})
	if len(byRef) != 1 {
		t.Errorf("ref filter matched %d, want 1", len(byRef))
	}

	byAction, _ := l.Query(ctx, Filter{Action: contracts.AuditApprove})
	if len(byAction) != 1 || byAction[0].Sequence != 2 {
		t.Errorf("action filter = %+v", byAction)
	}

	limited, _ := l.Query(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored, got %d entries", len(limited))
	}
}

func TestEntryHashStableAcrossTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	e := &contracts.AuditEntry{
		EntryID:    "e-1",
		Sequence:   4,
		Timestamp:  now,
		Actor:      "human:alice",
		Action:     contracts.AuditReject,
		PayloadRef: "prop-9",
		PrevHash:   "abc",
	}
	h1, err := EntryHash(e)
	if err != nil {
		t.Fatalf("EntryHash: %v", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, now.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	e.Timestamp = parsed
	h2, err := EntryHash(e)
	if err != nil {
		t.Fatalf("EntryHash: %v", err)
	}
	if h1 != h2 {
		t.Error("hash must survive a storage round-trip of the timestamp")
	}
}
