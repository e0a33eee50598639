package policystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// SQLBackend persists versions and pointers via database/sql. Works with
// SQLite (modernc.org/sqlite) and Postgres (lib/pq). The primary key on
// (policy_id, version) enforces version-slot immutability at the schema
// level; a duplicate insert surfaces as ErrVersionConflict.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend wraps an open database handle.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS policy_versions (
	policy_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	content BLOB NOT NULL,
	content_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_key_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL,
	PRIMARY KEY (policy_id, version)
);
CREATE TABLE IF NOT EXISTS version_pointers (
	policy_id TEXT PRIMARY KEY,
	current_version BIGINT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Init creates the schema.
func (b *SQLBackend) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(storeSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) InsertVersion(ctx context.Context, p *contracts.Policy) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO policy_versions (policy_id, version, content, content_hash, signature, signer_key_id, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.PolicyID, p.Version, []byte(p.Content), p.ContentHash, p.Signature, p.SignerKeyID,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.CreatedBy,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

// isUniqueViolation matches primary-key violations from both supported
// drivers without importing their error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (b *SQLBackend) GetVersion(ctx context.Context, policyID string, version int64) (*contracts.Policy, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT policy_id, version, content, content_hash, signature, signer_key_id, created_at, created_by
		 FROM policy_versions WHERE policy_id = $1 AND version = $2`,
		policyID, version,
	)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", contracts.ErrVersionNotFound, policyID, version)
	}
	return p, err
}

func (b *SQLBackend) MaxVersion(ctx context.Context, policyID string) (int64, error) {
	var max sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM policy_versions WHERE policy_id = $1`, policyID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

func (b *SQLBackend) ListVersions(ctx context.Context, policyID string) ([]*contracts.Policy, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT policy_id, version, content, content_hash, signature, signer_key_id, created_at, created_by
		 FROM policy_versions WHERE policy_id = $1 ORDER BY version ASC`,
		policyID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *SQLBackend) GetPointer(ctx context.Context, policyID string) (int64, error) {
	var v int64
	err := b.db.QueryRowContext(ctx,
		`SELECT current_version FROM version_pointers WHERE policy_id = $1`, policyID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", contracts.ErrPolicyNotFound, policyID)
	}
	return v, err
}

func (b *SQLBackend) SetPointer(ctx context.Context, policyID string, version int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := b.db.ExecContext(ctx,
		`UPDATE version_pointers SET current_version = $1, updated_at = $2 WHERE policy_id = $3`,
		version, now, policyID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = b.db.ExecContext(ctx,
			`INSERT INTO version_pointers (policy_id, current_version, updated_at) VALUES ($1, $2, $3)`,
			policyID, version, now,
		)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*contracts.Policy, error) {
	var p contracts.Policy
	var content []byte
	var createdAt string
	if err := row.Scan(&p.PolicyID, &p.Version, &content, &p.ContentHash, &p.Signature, &p.SignerKeyID, &createdAt, &p.CreatedBy); err != nil {
		return nil, err
	}
	p.Content = content
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at for %s v%d: %w", p.PolicyID, p.Version, err)
	}
	p.CreatedAt = ts
	return &p, nil
}
