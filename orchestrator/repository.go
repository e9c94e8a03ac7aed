// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"researchmesh/core/providers"
)

// WorkflowRepository persists workflows as whole documents. Saves are
// upserts; the engine is the single writer per workflow.
type WorkflowRepository interface {
	Save(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id uuid.UUID) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
}

// MemoryWorkflowRepository is the in-process implementation used in
// tests and single-node deployments.
type MemoryWorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*Workflow
}

// NewMemoryWorkflowRepository creates an empty repository.
func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{workflows: make(map[uuid.UUID]*Workflow)}
}

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.Steps = make([]*Step, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		sc := *s
		sc.Attempts = append([]DispatchAttempt(nil), s.Attempts...)
		sc.Sources = append([]providers.Source(nil), s.Sources...)
		sc.Content = append([]string(nil), s.Content...)
		cp.Steps = append(cp.Steps, &sc)
	}
	return &cp
}

func (r *MemoryWorkflowRepository) Save(_ context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (r *MemoryWorkflowRepository) Get(_ context.Context, id uuid.UUID) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return copyWorkflow(wf), nil
}

func (r *MemoryWorkflowRepository) List(_ context.Context) ([]*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
