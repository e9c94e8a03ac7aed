// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PostgresWorkflowRepository implements WorkflowRepository using
// PostgreSQL. Steps travel as one JSONB document: the engine always
// reads and writes whole workflows, so there is nothing to join.
type PostgresWorkflowRepository struct {
	db *sql.DB
}

// NewPostgresWorkflowRepository creates a PostgreSQL-backed repository.
func NewPostgresWorkflowRepository(db *sql.DB) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db}
}

// WorkflowSchema is the workflow table DDL, applied at startup.
const WorkflowSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	query TEXT NOT NULL,
	methodology TEXT NOT NULL,
	status TEXT NOT NULL,
	steps JSONB NOT NULL,
	budget_limit DOUBLE PRECISION NOT NULL,
	budget_used DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows (status);
`

// InitSchema creates the workflow table if it does not exist.
func (r *PostgresWorkflowRepository) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, WorkflowSchema); err != nil {
		return fmt.Errorf("failed to init workflow schema: %w", err)
	}
	return nil
}

func (r *PostgresWorkflowRepository) Save(ctx context.Context, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, query, methodology, status, steps, budget_limit,
			budget_used, quality_score, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			budget_used = EXCLUDED.budget_used,
			quality_score = EXCLUDED.quality_score,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		wf.ID, wf.Query, string(wf.Methodology), string(wf.Status), steps,
		wf.BudgetLimit, wf.BudgetUsed, wf.QualityScore,
		nullString(wf.FailureReason), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `
	id, query, methodology, status, steps, budget_limit,
	budget_used, quality_score, failure_reason, created_at, updated_at
`

func (r *PostgresWorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE id = $1`
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

func (r *PostgresWorkflowRepository) List(ctx context.Context) ([]*Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]*Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var methodology, status string
	var steps []byte
	var failureReason sql.NullString

	err := row.Scan(
		&wf.ID, &wf.Query, &methodology, &status, &steps, &wf.BudgetLimit,
		&wf.BudgetUsed, &wf.QualityScore, &failureReason, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	wf.Methodology = Methodology(methodology)
	wf.Status = WorkflowStatus(status)
	wf.FailureReason = failureReason.String
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
	}
	return &wf, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
