package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *SQLProposalStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLProposalStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store
}

func TestSQLProposalStoreRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	submitted := time.Date(2026, 3, 1, 9, 0, 0, 123456000, time.UTC)
	in := &contracts.Proposal{
		ProposalID:  "prop-1",
		PolicyID:    "SNAP_INCOME",
		Source:      contracts.AgentSource("eligibility-agent", 0.5),
		Payload:     []byte(`{"max_income":2100}`),
		Status:      contracts.StatusInHumanQueue,
		Tier:        1,
		SubmittedAt: submitted,
		Deadline:    submitted.Add(24 * time.Hour),
	}
	if err := store.Create(ctx, in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "prop-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Source.AgentID != "eligibility-agent" || got.Source.Confidence != 0.5 {
		t.Errorf("source = %+v", got.Source)
	}
	if !got.SubmittedAt.Equal(submitted) || !got.Deadline.Equal(submitted.Add(24*time.Hour)) {
		t.Errorf("timestamps = %v / %v", got.SubmittedAt, got.Deadline)
	}
	if !got.ClosedAt.IsZero() {
		t.Errorf("ClosedAt = %v, want zero", got.ClosedAt)
	}

	// Close it and read back the terminal fields.
	got.Status = contracts.StatusClosed
	got.Disposition = contracts.DispositionApproved
	got.Reason = "ok"
	got.AppliedVersion = 2
	got.ClosedAt = submitted.Add(time.Hour)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	closed, err := store.Get(ctx, "prop-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if closed.Disposition != contracts.DispositionApproved || closed.AppliedVersion != 2 {
		t.Errorf("closed = %+v", closed)
	}
	if !closed.ClosedAt.Equal(submitted.Add(time.Hour)) {
		t.Errorf("ClosedAt = %v", closed.ClosedAt)
	}
}

func TestSQLProposalStoreGetMissing(t *testing.T) {
	store := openTestDB(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, contracts.ErrProposalNotFound) {
		t.Errorf("err = %v, want ErrProposalNotFound", err)
	}
	err = store.Update(context.Background(), &contracts.Proposal{ProposalID: "nope"})
	if !errors.Is(err, contracts.ErrProposalNotFound) {
		t.Errorf("update err = %v, want ErrProposalNotFound", err)
	}
}

func TestSQLProposalStoreListsFilterAndOrder(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id string, offset time.Duration, status contracts.ProposalStatus) {
		t.Helper()
		err := store.Create(ctx, &contracts.Proposal{
			ProposalID:  id,
			PolicyID:    "SNAP_INCOME",
			Source:      contracts.HumanSource("analyst"),
			Payload:     []byte(`{}`),
			Status:      status,
			SubmittedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	mk("c", 2*time.Minute, contracts.StatusInHumanQueue)
	mk("a", 0, contracts.StatusEscalated)
	mk("b", time.Minute, contracts.StatusClosed)

	open, err := store.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 2 || open[0].ProposalID != "a" || open[1].ProposalID != "c" {
		t.Errorf("open = %+v", open)
	}

	queued, err := store.ListByStatus(ctx, contracts.StatusInHumanQueue)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(queued) != 1 || queued[0].ProposalID != "c" {
		t.Errorf("queued = %+v", queued)
	}
}

func TestSQLProposalStoreDecisionTrail(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, action := range []contracts.DecisionAction{contracts.ActionEscalate, contracts.ActionApprove} {
		err := store.AddDecision(ctx, &contracts.Decision{
			DecisionID: string(rune('a' + i)),
			ProposalID: "prop-1",
			ReviewerID: "reviewer-1",
			Action:     action,
			Reason:     "r",
			Tier:       i + 1,
			DecidedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddDecision: %v", err)
		}
	}

	trail, err := store.ListDecisions(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(trail) != 2 || trail[0].Action != contracts.ActionEscalate || trail[1].Action != contracts.ActionApprove {
		t.Errorf("trail = %+v", trail)
	}
	if trail[1].Tier != 2 {
		t.Errorf("tier = %d", trail[1].Tier)
	}
}
