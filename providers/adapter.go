// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"net/http"
)

// Adapter is the uniform interface every provider integration implements.
// Implementations must be safe for concurrent use.
//
// An adapter receives the decrypted secret per call rather than holding it:
// credential selection and rotation belong to the orchestrator, and the
// same adapter instance serves every credential of its provider.
type Adapter interface {
	// Name returns the provider identifier, e.g. "tavily".
	Name() string

	// Supports reports whether this adapter can fulfill the capability.
	Supports(capability Capability) bool

	// Execute performs the network call with a hard timeout and returns a
	// normalized Result, or an *Error carrying the failure classification.
	Execute(ctx context.Context, secret string, payload Payload) (*Result, error)
}

// HTTPClient is the subset of http.Client the adapters depend on.
// Tests substitute it to exercise adapters without network access.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValidateSecret checks the provider-specific shape of an API key before the
// credential store accepts it. The checks are deliberately loose: providers
// change key formats, so only obviously broken secrets are rejected.
func ValidateSecret(provider, secret string) bool {
	if secret == "" {
		return false
	}
	switch provider {
	case ProviderOpenRouter:
		return len(secret) >= 16 && hasPrefix(secret, "sk-")
	case ProviderJina:
		return len(secret) >= 16 && hasPrefix(secret, "jina_")
	case ProviderFirecrawl:
		return len(secret) >= 16 && hasPrefix(secret, "fc-")
	case ProviderTavily:
		return len(secret) >= 16 && hasPrefix(secret, "tvly-")
	case ProviderSerpApi, ProviderExa:
		return len(secret) >= 16
	default:
		// Unknown providers only require a non-trivial key.
		return len(secret) >= 8
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
