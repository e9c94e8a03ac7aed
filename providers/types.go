// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package providers defines the uniform adapter surface over external
// research services (search, extraction, LLM completion) and the registry
// the orchestrator routes through. Adapters normalize request/response
// shapes and classify provider errors; they know nothing about quota
// bookkeeping or other providers.
package providers

import (
	"time"
)

// Capability is an abstract operation one or more providers can fulfill.
type Capability string

const (
	CapabilityWebSearch      Capability = "web_search"
	CapabilityContentExtract Capability = "content_extract"
	CapabilityLLMComplete    Capability = "llm_complete"
)

// Known provider identifiers. The set is open: any adapter registered under
// a new name participates in routing without further changes.
const (
	ProviderOpenRouter = "openrouter"
	ProviderSerpApi    = "serpapi"
	ProviderJina       = "jina"
	ProviderFirecrawl  = "firecrawl"
	ProviderTavily     = "tavily"
	ProviderExa        = "exa"
)

// Payload is the provider-agnostic request description. Adapters pick the
// fields relevant to their capability and ignore the rest.
type Payload struct {
	// Query is the search query for web_search.
	Query string `json:"query,omitempty"`

	// URL is the target document for content_extract.
	URL string `json:"url,omitempty"`

	// Prompt and SystemPrompt drive llm_complete.
	Prompt       string `json:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the adapter's default model for llm_complete.
	Model string `json:"model,omitempty"`

	// MaxResults caps web_search result counts (0 = adapter default).
	MaxResults int `json:"max_results,omitempty"`

	// MaxTokens caps llm_complete output (0 = adapter default).
	MaxTokens int `json:"max_tokens,omitempty"`

	// Params carries provider-specific extras without widening this struct.
	Params map[string]interface{} `json:"params,omitempty"`
}

// Source is one normalized search/extraction hit.
type Source struct {
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Result is the normalized response shape returned by every adapter.
type Result struct {
	// Content holds extracted text or a completion.
	Content string `json:"content,omitempty"`

	// Sources holds search hits, most relevant first.
	Sources []Source `json:"sources,omitempty"`

	// Token accounting, when the provider reports it.
	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`

	// CostUSD is the observed (or adapter-estimated) cost of the call.
	CostUSD float64 `json:"cost_usd"`

	Latency time.Duration `json:"latency"`
}

// SourceCount returns the number of distinct source URLs in the result.
func (r *Result) SourceCount() int {
	seen := make(map[string]struct{}, len(r.Sources))
	for _, s := range r.Sources {
		seen[s.URL] = struct{}{}
	}
	return len(seen)
}
