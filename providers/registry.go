// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"fmt"
	"sync"
)

// Registry holds the capability-tagged adapter set. It is thread-safe.
// New providers register by implementing Adapter; nothing else in the core
// needs to change for routing to pick them up.
type Registry struct {
	adapters map[string]Adapter
	order    []string // registration order, the default preference
	mu       sync.RWMutex
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter. Duplicate names are rejected.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return &RegistryError{Code: ErrRegistryInvalidAdapter, Message: "adapter cannot be nil"}
	}
	name := adapter.Name()
	if name == "" {
		return &RegistryError{Code: ErrRegistryInvalidAdapter, Message: "adapter name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return &RegistryError{
			Provider: name,
			Code:     ErrRegistryDuplicate,
			Message:  fmt.Sprintf("adapter %q already registered", name),
		}
	}

	r.adapters[name] = adapter
	r.order = append(r.order, name)
	return nil
}

// Get retrieves an adapter by provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	if !exists {
		return nil, &RegistryError{
			Provider: name,
			Code:     ErrRegistryNotFound,
			Message:  fmt.Sprintf("adapter %q not found", name),
		}
	}
	return adapter, nil
}

// List returns registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// ForCapability returns the adapters supporting a capability, ordered by the
// given preference list. Providers named in the preference come first (in
// that order); remaining supporters follow in registration order. Preference
// entries that are unregistered or do not support the capability are skipped.
func (r *Registry) ForCapability(capability Capability, preference []string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	seen := make(map[string]bool)

	for _, name := range preference {
		if adapter, ok := r.adapters[name]; ok && adapter.Supports(capability) && !seen[name] {
			out = append(out, adapter)
			seen[name] = true
		}
	}
	for _, name := range r.order {
		if seen[name] {
			continue
		}
		if adapter := r.adapters[name]; adapter.Supports(capability) {
			out = append(out, adapter)
			seen[name] = true
		}
	}
	return out
}

// RegistryError represents an error from registry operations.
type RegistryError struct {
	Provider string
	Code     string
	Message  string
}

// Registry error codes.
const (
	ErrRegistryNotFound       = "registry_not_found"
	ErrRegistryDuplicate      = "registry_duplicate"
	ErrRegistryInvalidAdapter = "registry_invalid_adapter"
)

func (e *RegistryError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("registry error for %q: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}
