// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"researchmesh/core/providers"
	"researchmesh/core/shared/logger"
)

// ErrInvalidSecretFormat is returned by Register when a secret fails the
// provider-specific shape check.
var ErrInvalidSecretFormat = fmt.Errorf("invalid secret format")

// Store is the credential lifecycle manager. All mutation goes through
// the repository; the store adds encryption, validation, and rotation
// ordering on top.
type Store struct {
	repo   CredentialRepository
	cipher *Cipher
	log    *logger.Logger
	now    func() time.Time
}

// NewStore creates a credential store over a repository and cipher.
func NewStore(repo CredentialRepository, cipher *Cipher) *Store {
	return &Store{
		repo:   repo,
		cipher: cipher,
		log:    logger.New("credential-store"),
		now:    time.Now,
	}
}

// Register validates and encrypts a new credential. A nil limits pointer
// selects the provider's built-in defaults.
func (s *Store) Register(ctx context.Context, provider, secret string, limits *Limits) (*Credential, error) {
	if !providers.ValidateSecret(provider, secret) {
		return nil, fmt.Errorf("%w for provider %s", ErrInvalidSecretFormat, provider)
	}

	envelope, err := s.cipher.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	effective := DefaultLimits(provider)
	if limits != nil {
		effective = *limits
	}

	cred := &Credential{
		ID:              uuid.New(),
		Provider:        provider,
		EncryptedSecret: envelope,
		Status:          Status{Kind: StatusActive},
		Limits:          effective,
		CreatedAt:       s.now().UTC(),
	}

	if err := s.repo.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}

	s.log.Info("", "", "Registered credential", map[string]interface{}{
		"credential_id": cred.ID.String(),
		"provider":      provider,
	})
	return cred, nil
}

// Get returns a credential by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Credential, error) {
	return s.repo.Get(ctx, id)
}

// List returns every credential across providers.
func (s *Store) List(ctx context.Context) ([]*Credential, error) {
	return s.repo.List(ctx)
}

// Eligible returns the provider's usable credentials ordered least
// recently used first. Temporary statuses whose window has expired are
// reverted to active on the way through.
func (s *Store) Eligible(ctx context.Context, provider string) ([]*Credential, error) {
	creds, err := s.repo.ListByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	eligible := make([]*Credential, 0, len(creds))
	for _, cred := range creds {
		if cred.Status.Expired(now) {
			cred.Status = Status{Kind: StatusActive}
			if err := s.repo.UpdateStatus(ctx, cred.ID, cred.Status); err != nil {
				return nil, fmt.Errorf("failed to revert credential %s: %w", cred.ID, err)
			}
			s.log.Info("", "", "Credential window expired, reverting to active", map[string]interface{}{
				"credential_id": cred.ID.String(),
				"provider":      provider,
			})
		}
		if cred.Status.Kind == StatusActive {
			eligible = append(eligible, cred)
		}
	}

	// Never-used credentials sort first.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
	})
	return eligible, nil
}

// MarkInvalid permanently removes a credential from rotation. There is
// no path back: a key that failed authentication stays out.
func (s *Store) MarkInvalid(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.UpdateStatus(ctx, id, Status{Kind: StatusInvalid}); err != nil {
		return err
	}
	s.log.Warn("", "", "Credential marked invalid", map[string]interface{}{
		"credential_id": id.String(),
	})
	return nil
}

// MarkRateLimited sidelines a credential until the given time.
func (s *Store) MarkRateLimited(ctx context.Context, id uuid.UUID, until time.Time) error {
	return s.repo.UpdateStatus(ctx, id, Status{Kind: StatusRateLimited, Until: until})
}

// MarkExhausted sidelines a credential that hit a quota ceiling.
func (s *Store) MarkExhausted(ctx context.Context, id uuid.UUID, until time.Time) error {
	return s.repo.UpdateStatus(ctx, id, Status{Kind: StatusExhausted, Until: until})
}

// Touch records a use for LRU rotation ordering.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	return s.repo.UpdateLastUsed(ctx, id, s.now().UTC())
}

// DecryptForUse decrypts a credential's secret, passes it to fn, and
// zeroes the plaintext buffer when fn returns. The secret must not
// escape fn.
func (s *Store) DecryptForUse(ctx context.Context, id uuid.UUID, fn func(secret string) error) error {
	cred, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	plaintext, err := s.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt credential %s: %w", id, err)
	}
	defer zeroBytes(plaintext)

	return fn(string(plaintext))
}
