// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package credentials manages provider API keys: encrypted storage,
// lifecycle status, rotation ordering, and scoped decryption for dispatch.
package credentials

import (
	"time"

	"github.com/google/uuid"
)

// StatusKind is the lifecycle state of a credential.
type StatusKind string

const (
	// StatusActive credentials participate in rotation.
	StatusActive StatusKind = "active"

	// StatusRateLimited credentials are sidelined until the window rolls over.
	StatusRateLimited StatusKind = "rate_limited"

	// StatusExhausted credentials hit a quota ceiling and wait out the window.
	StatusExhausted StatusKind = "exhausted"

	// StatusInvalid credentials failed authentication and never return.
	StatusInvalid StatusKind = "invalid"
)

// Status pairs a lifecycle kind with its expiry. Until is zero for the
// permanent states (active, invalid).
type Status struct {
	Kind  StatusKind `json:"kind"`
	Until time.Time  `json:"until,omitempty"`
}

// Expired reports whether a temporary status has run out.
func (s Status) Expired(now time.Time) bool {
	switch s.Kind {
	case StatusRateLimited, StatusExhausted:
		return !s.Until.IsZero() && now.After(s.Until)
	default:
		return false
	}
}

// Limits holds optional request ceilings per window granularity.
// A nil field means unlimited for that window.
type Limits struct {
	PerMinute *int `json:"per_minute,omitempty"`
	PerHour   *int `json:"per_hour,omitempty"`
	PerDay    *int `json:"per_day,omitempty"`
}

// Credential is one registered API key. The secret is never held in the
// clear; EncryptedSecret is an AES-256-GCM envelope.
type Credential struct {
	ID              uuid.UUID `json:"id"`
	Provider        string    `json:"provider"`
	EncryptedSecret string    `json:"-"`
	Status          Status    `json:"status"`
	Limits          Limits    `json:"limits"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Active reports whether the credential is currently usable.
func (c *Credential) Active(now time.Time) bool {
	return c.Status.Kind == StatusActive || c.Status.Expired(now)
}

func intPtr(n int) *int { return &n }

// defaultLimits carries the free-tier ceilings observed per provider.
// Monthly vendor quotas are expressed as daily caps so the sliding day
// window can enforce them.
var defaultLimits = map[string]Limits{
	"openrouter": {PerMinute: intPtr(20), PerDay: intPtr(50)},
	"serpapi":    {PerHour: intPtr(20), PerDay: intPtr(100)},
	"jina":       {PerMinute: intPtr(60), PerDay: intPtr(1000)},
	"firecrawl":  {PerMinute: intPtr(30), PerDay: intPtr(500)},
	"tavily":     {PerMinute: intPtr(60), PerDay: intPtr(1000)},
	"exa":        {PerMinute: intPtr(60), PerDay: intPtr(1000)},
}

// DefaultLimits returns the built-in ceilings for a provider. Unknown
// providers get no limits (every window unlimited) until the caller
// supplies its own.
func DefaultLimits(provider string) Limits {
	if l, ok := defaultLimits[provider]; ok {
		return l
	}
	return Limits{}
}
