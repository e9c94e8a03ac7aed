// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// PostgresRepository implements CredentialRepository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Schema is the credential table DDL, applied at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS api_credentials (
	id UUID PRIMARY KEY,
	provider TEXT NOT NULL,
	encrypted_secret TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	status_until TIMESTAMPTZ,
	per_minute INTEGER,
	per_hour INTEGER,
	per_day INTEGER,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_credentials_provider ON api_credentials (provider);
`

// InitSchema creates the credential table if it does not exist.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to init credential schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Save(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO api_credentials (
			id, provider, encrypted_secret, status, status_until,
			per_minute, per_hour, per_day, last_used_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			status = EXCLUDED.status,
			status_until = EXCLUDED.status_until,
			per_minute = EXCLUDED.per_minute,
			per_hour = EXCLUDED.per_hour,
			per_day = EXCLUDED.per_day,
			last_used_at = EXCLUDED.last_used_at
	`

	_, err := r.db.ExecContext(ctx, query,
		cred.ID, cred.Provider, cred.EncryptedSecret, string(cred.Status.Kind),
		nullTime(cred.Status.Until), nullInt(cred.Limits.PerMinute),
		nullInt(cred.Limits.PerHour), nullInt(cred.Limits.PerDay),
		nullTime(cred.LastUsedAt), cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

const selectColumns = `
	id, provider, encrypted_secret, status, status_until,
	per_minute, per_hour, per_day, last_used_at, created_at
`

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Credential, error) {
	query := `SELECT` + selectColumns + `FROM api_credentials WHERE id = $1`
	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Credential, error) {
	query := `SELECT` + selectColumns + `FROM api_credentials ORDER BY created_at`
	return r.queryCredentials(ctx, query)
}

func (r *PostgresRepository) ListByProvider(ctx context.Context, provider string) ([]*Credential, error) {
	query := `SELECT` + selectColumns + `FROM api_credentials WHERE provider = $1 ORDER BY created_at`
	return r.queryCredentials(ctx, query, provider)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE api_credentials SET status = $1, status_until = $2 WHERE id = $3`,
		string(status.Kind), nullTime(status.Until), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	return checkAffected(result)
}

func (r *PostgresRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE api_credentials SET last_used_at = $1 WHERE id = $2`,
		usedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential last_used_at: %w", err)
	}
	return checkAffected(result)
}

func (r *PostgresRepository) queryCredentials(ctx context.Context, query string, args ...interface{}) ([]*Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	creds := make([]*Credential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var cred Credential
	var status string
	var statusUntil, lastUsed sql.NullTime
	var perMinute, perHour, perDay sql.NullInt64

	err := row.Scan(
		&cred.ID, &cred.Provider, &cred.EncryptedSecret, &status, &statusUntil,
		&perMinute, &perHour, &perDay, &lastUsed, &cred.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.Status = Status{Kind: StatusKind(status)}
	if statusUntil.Valid {
		cred.Status.Until = statusUntil.Time
	}
	if lastUsed.Valid {
		cred.LastUsedAt = lastUsed.Time
	}
	cred.Limits = Limits{
		PerMinute: int64Ptr(perMinute),
		PerHour:   int64Ptr(perHour),
		PerDay:    int64Ptr(perDay),
	}
	return &cred, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func int64Ptr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
