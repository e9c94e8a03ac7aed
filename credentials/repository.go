// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a credential id has no record.
var ErrNotFound = errors.New("credential not found")

// CredentialRepository abstracts credential persistence. Implementations
// must be safe for concurrent use.
type CredentialRepository interface {
	Save(ctx context.Context, cred *Credential) error
	Get(ctx context.Context, id uuid.UUID) (*Credential, error)
	List(ctx context.Context) ([]*Credential, error)
	ListByProvider(ctx context.Context, provider string) ([]*Credential, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error
}

// MemoryRepository is the in-process CredentialRepository used in tests
// and single-node deployments.
type MemoryRepository struct {
	mu    sync.RWMutex
	creds map[uuid.UUID]*Credential
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[uuid.UUID]*Credential)}
}

func (r *MemoryRepository) Save(_ context.Context, cred *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	r.creds[cred.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Credential, 0, len(r.creds))
	for _, cred := range r.creds {
		cp := *cred
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListByProvider(_ context.Context, provider string) ([]*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Credential, 0)
	for _, cred := range r.creds {
		if cred.Provider == provider {
			cp := *cred
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.Status = status
	return nil
}

func (r *MemoryRepository) UpdateLastUsed(_ context.Context, id uuid.UUID, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.LastUsedAt = usedAt
	return nil
}
