package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// SQLProposalStore persists proposals and decisions via database/sql.
// Works with SQLite (modernc.org/sqlite) and Postgres (lib/pq). Status
// and deadline are stored as indexed columns so the SLA scanner can find
// overdue proposals without deserializing the whole table.
type SQLProposalStore struct {
	db *sql.DB
}

// NewSQLProposalStore wraps an open database handle.
func NewSQLProposalStore(db *sql.DB) *SQLProposalStore {
	return &SQLProposalStore{db: db}
}

const proposalSchema = `
CREATE TABLE IF NOT EXISTS proposals (
	proposal_id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	source TEXT NOT NULL,
	payload BLOB NOT NULL,
	status TEXT NOT NULL,
	tier INTEGER NOT NULL,
	submitted_at TEXT NOT NULL,
	deadline TEXT NOT NULL,
	disposition TEXT NOT NULL,
	reason TEXT NOT NULL,
	applied_version BIGINT NOT NULL,
	closed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals (status, deadline);
CREATE TABLE IF NOT EXISTS proposal_decisions (
	decision_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	reviewer_id TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	tier INTEGER NOT NULL,
	decided_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_proposal ON proposal_decisions (proposal_id, decided_at);
`

// Init creates the schema.
func (s *SQLProposalStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(proposalSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLProposalStore) Create(ctx context.Context, p *contracts.Proposal) error {
	source, err := json.Marshal(p.Source)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (proposal_id, policy_id, source, payload, status, tier, submitted_at, deadline, disposition, reason, applied_version, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ProposalID, p.PolicyID, string(source), []byte(p.Payload), string(p.Status), p.Tier,
		formatTime(p.SubmittedAt), formatTime(p.Deadline),
		string(p.Disposition), p.Reason, p.AppliedVersion, formatTime(p.ClosedAt),
	)
	return err
}

func (s *SQLProposalStore) Get(ctx context.Context, proposalID string) (*contracts.Proposal, error) {
	row := s.db.QueryRowContext(ctx, selectProposal+` WHERE proposal_id = $1`, proposalID)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", contracts.ErrProposalNotFound, proposalID)
	}
	return p, err
}

func (s *SQLProposalStore) Update(ctx context.Context, p *contracts.Proposal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = $1, tier = $2, deadline = $3, disposition = $4, reason = $5, applied_version = $6, closed_at = $7
		 WHERE proposal_id = $8`,
		string(p.Status), p.Tier, formatTime(p.Deadline),
		string(p.Disposition), p.Reason, p.AppliedVersion, formatTime(p.ClosedAt),
		p.ProposalID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", contracts.ErrProposalNotFound, p.ProposalID)
	}
	return nil
}

func (s *SQLProposalStore) ListOpen(ctx context.Context) ([]*contracts.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProposal+` WHERE status != $1 ORDER BY submitted_at ASC, proposal_id ASC`,
		string(contracts.StatusClosed),
	)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

func (s *SQLProposalStore) ListByStatus(ctx context.Context, status contracts.ProposalStatus) ([]*contracts.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProposal+` WHERE status = $1 ORDER BY submitted_at ASC, proposal_id ASC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

func (s *SQLProposalStore) AddDecision(ctx context.Context, d *contracts.Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposal_decisions (decision_id, proposal_id, reviewer_id, action, reason, tier, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.DecisionID, d.ProposalID, d.ReviewerID, string(d.Action), d.Reason, d.Tier,
		formatTime(d.DecidedAt),
	)
	return err
}

func (s *SQLProposalStore) ListDecisions(ctx context.Context, proposalID string) ([]*contracts.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_id, proposal_id, reviewer_id, action, reason, tier, decided_at
		 FROM proposal_decisions WHERE proposal_id = $1 ORDER BY decided_at ASC, decision_id ASC`,
		proposalID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Decision, 0)
	for rows.Next() {
		var d contracts.Decision
		var decidedAt string
		if err := rows.Scan(&d.DecisionID, &d.ProposalID, &d.ReviewerID, (*string)(&d.Action), &d.Reason, &d.Tier, &decidedAt); err != nil {
			return nil, err
		}
		ts, err := parseTime(decidedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt decided_at for %s: %w", d.DecisionID, err)
		}
		d.DecidedAt = ts
		out = append(out, &d)
	}
	return out, rows.Err()
}

const selectProposal = `SELECT proposal_id, policy_id, source, payload, status, tier, submitted_at, deadline, disposition, reason, applied_version, closed_at FROM proposals`

func collectProposals(rows *sql.Rows) ([]*contracts.Proposal, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*contracts.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProposal(row interface{ Scan(dest ...any) error }) (*contracts.Proposal, error) {
	var p contracts.Proposal
	var source string
	var payload []byte
	var submittedAt, deadline, closedAt string
	err := row.Scan(&p.ProposalID, &p.PolicyID, &source, &payload, (*string)(&p.Status), &p.Tier,
		&submittedAt, &deadline, (*string)(&p.Disposition), &p.Reason, &p.AppliedVersion, &closedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(source), &p.Source); err != nil {
		return nil, fmt.Errorf("corrupt source for %s: %w", p.ProposalID, err)
	}
	p.Payload = payload
	if p.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("corrupt submitted_at for %s: %w", p.ProposalID, err)
	}
	if p.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("corrupt deadline for %s: %w", p.ProposalID, err)
	}
	if p.ClosedAt, err = parseTime(closedAt); err != nil {
		return nil, fmt.Errorf("corrupt closed_at for %s: %w", p.ProposalID, err)
	}
	return &p, nil
}

// formatTime stores the zero time as an empty string so optional
// timestamps (deadline, closed_at) round-trip as zero values.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
