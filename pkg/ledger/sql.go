package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// SQLLedger persists the chain via database/sql. It works with both
// SQLite (modernc.org/sqlite) and Postgres (lib/pq); timestamps are
// stored as RFC 3339 text so entry hashes survive a round-trip through
// either driver unchanged.
//
// Appends are serialized by an in-process mutex: the ledger is the single
// writer for its chain, per the single-writer discipline the chain's
// integrity depends on.
type SQLLedger struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time

	// head cache, loaded lazily under mu.
	loaded bool
	next   uint64
	head   string
}

// NewSQLLedger wraps an open database handle.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	payload_ref TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

// Init creates the schema.
func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerSchema)
	return err
}

// loadHead restores the append position after a restart. Caller holds mu.
func (l *SQLLedger) loadHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	row := l.db.QueryRowContext(ctx, `SELECT sequence, hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		l.next, l.head = 0, contracts.GenesisHash
	case err != nil:
		return err
	default:
		l.next, l.head = seq+1, hash
	}
	l.loaded = true
	return nil
}

func (l *SQLLedger) Append(ctx context.Context, actor string, action contracts.AuditAction, payloadRef, details string) (*contracts.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHead(ctx); err != nil {
		return nil, fmt.Errorf("%w: load head: %v", contracts.ErrStoreWrite, err)
	}

	entry := &contracts.AuditEntry{
		EntryID:    uuid.New().String(),
		Sequence:   l.next,
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

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (sequence, entry_id, timestamp, actor, action, payload_ref, details, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Actor, string(entry.Action), entry.PayloadRef, entry.Details,
		entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrStoreWrite, err)
	}

	l.next++
	l.head = entry.Hash
	return entry, nil
}

func (l *SQLLedger) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (ChainReport, error) {
	var prev string
	if fromSeq == 0 {
		prev = contracts.GenesisHash
	} else {
		row := l.db.QueryRowContext(ctx, `SELECT hash FROM audit_entries WHERE sequence = $1`, fromSeq-1)
		if err := row.Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ChainReport{Intact: false, BrokenSequence: fromSeq}, nil
			}
			return ChainReport{}, err
		}
	}

	query := `SELECT sequence, entry_id, timestamp, actor, action, payload_ref, details, prev_hash, hash
		FROM audit_entries WHERE sequence >= $1`
	args := []any{fromSeq}
	if toSeq != 0 {
		query += ` AND sequence <= $2`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence ASC`

	entries, err := l.scan(ctx, query, args...)
	if err != nil {
		return ChainReport{}, err
	}

	// A gap in the sequence is itself a break.
	for i, e := range entries {
		if e.Sequence != fromSeq+uint64(i) {
			return ChainReport{Intact: false, BrokenSequence: fromSeq + uint64(i), Checked: i + 1}, nil
		}
	}
	return verifyEntries(entries, prev)
}

func (l *SQLLedger) Query(ctx context.Context, f Filter) ([]*contracts.AuditEntry, error) {
	query := `SELECT sequence, entry_id, timestamp, actor, action, payload_ref, details, prev_hash, hash FROM audit_entries`
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Actor != "" {
		clauses = append(clauses, "actor = "+arg(f.Actor))
	}
	if f.Action != "" {
		clauses = append(clauses, "action = "+arg(string(f.Action)))
	}
	if f.PayloadRef != "" {
		clauses = append(clauses, "payload_ref = "+arg(f.PayloadRef))
	}
	if f.FromSeq > 0 {
		clauses = append(clauses, "sequence >= "+arg(f.FromSeq))
	}
	if f.ToSeq > 0 {
		clauses = append(clauses, "sequence <= "+arg(f.ToSeq))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	return l.scan(ctx, query, args...)
}

func (l *SQLLedger) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l *SQLLedger) scan(ctx context.Context, query string, args ...any) ([]*contracts.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.AuditEntry, 0)
	for rows.Next() {
		var e contracts.AuditEntry
		var ts, action string
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &e.Actor, &action, &e.PayloadRef, &e.Details, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Action = contracts.AuditAction(action)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp at sequence %d: %w", e.Sequence, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
