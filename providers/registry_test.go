// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter implements Adapter for registry tests.
type fakeAdapter struct {
	name string
	caps map[Capability]bool
}

func (f *fakeAdapter) Name() string                  { return f.name }
func (f *fakeAdapter) Supports(c Capability) bool    { return f.caps[c] }
func (f *fakeAdapter) Execute(ctx context.Context, secret string, p Payload) (*Result, error) {
	return &Result{}, nil
}

func newFake(name string, caps ...Capability) *fakeAdapter {
	m := make(map[Capability]bool)
	for _, c := range caps {
		m[c] = true
	}
	return &fakeAdapter{name: name, caps: m}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(newFake(ProviderTavily, CapabilityWebSearch)))

	got, err := r.Get(ProviderTavily)
	require.NoError(t, err)
	assert.Equal(t, ProviderTavily, got.Name())

	_, err = r.Get("nope")
	require.Error(t, err)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ErrRegistryNotFound, regErr.Code)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake(ProviderExa, CapabilityWebSearch)))

	err := r.Register(newFake(ProviderExa, CapabilityWebSearch))
	require.Error(t, err)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ErrRegistryDuplicate, regErr.Code)
}

func TestRegistryRejectsNilAndUnnamed(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(newFake("")))
}

func TestForCapabilityPreferenceOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake(ProviderSerpApi, CapabilityWebSearch)))
	require.NoError(t, r.Register(newFake(ProviderTavily, CapabilityWebSearch)))
	require.NoError(t, r.Register(newFake(ProviderExa, CapabilityWebSearch)))
	require.NoError(t, r.Register(newFake(ProviderJina, CapabilityContentExtract)))

	names := func(adapters []Adapter) []string {
		var out []string
		for _, a := range adapters {
			out = append(out, a.Name())
		}
		return out
	}

	t.Run("no preference uses registration order", func(t *testing.T) {
		got := r.ForCapability(CapabilityWebSearch, nil)
		assert.Equal(t, []string{ProviderSerpApi, ProviderTavily, ProviderExa}, names(got))
	})

	t.Run("preference reorders", func(t *testing.T) {
		got := r.ForCapability(CapabilityWebSearch, []string{ProviderExa, ProviderTavily})
		assert.Equal(t, []string{ProviderExa, ProviderTavily, ProviderSerpApi}, names(got))
	})

	t.Run("unknown preference entries skipped", func(t *testing.T) {
		got := r.ForCapability(CapabilityWebSearch, []string{"bogus", ProviderTavily})
		assert.Equal(t, []string{ProviderTavily, ProviderSerpApi, ProviderExa}, names(got))
	})

	t.Run("capability filtering", func(t *testing.T) {
		got := r.ForCapability(CapabilityContentExtract, nil)
		assert.Equal(t, []string{ProviderJina}, names(got))
	})

	t.Run("no supporters", func(t *testing.T) {
		got := r.ForCapability(CapabilityLLMComplete, nil)
		assert.Empty(t, got)
	})
}
