// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package tavily provides the web_search adapter for the Tavily API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"researchmesh/core/providers"
)

const (
	// DefaultBaseURL is the default Tavily API endpoint
	DefaultBaseURL = "https://api.tavily.com"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default number of search hits requested
	DefaultMaxResults = 5

	// costPerSearch is the approximate cost of one basic search credit.
	costPerSearch = 0.008
)

// Config contains configuration for the Tavily adapter
type Config struct {
	BaseURL     string        // Optional: API base URL (default: https://api.tavily.com)
	Timeout     time.Duration // Optional: HTTP timeout (default: 30s)
	SearchDepth string        // Optional: "basic" or "advanced" (default: basic)
	Client      providers.HTTPClient
}

// Adapter implements providers.Adapter for Tavily.
type Adapter struct {
	baseURL     string
	searchDepth string
	client      providers.HTTPClient
}

// New creates a Tavily adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "basic"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Adapter{
		baseURL:     cfg.BaseURL,
		searchDepth: cfg.SearchDepth,
		client:      client,
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return providers.ProviderTavily
}

// Supports reports the capabilities this adapter fulfills.
func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityWebSearch
}

// Execute performs a Tavily search. The API key travels in the request body.
func (a *Adapter) Execute(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	if payload.Query == "" {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  "web_search payload requires a query",
		}
	}

	maxResults := payload.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	apiReq := searchRequest{
		APIKey:        secret,
		Query:         payload.Query,
		SearchDepth:   a.searchDepth,
		MaxResults:    maxResults,
		IncludeAnswer: true,
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
			Cause:    err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/search", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransportError(a.Name(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, providers.NewHTTPError(a.Name(), resp.StatusCode, string(body))
	}

	var apiResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  fmt.Sprintf("failed to decode response: %v", err),
			Cause:    err,
		}
	}

	sources := make([]providers.Source, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		sources = append(sources, providers.Source{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}

	return &providers.Result{
		Content: apiResp.Answer,
		Sources: sources,
		CostUSD: costPerSearch,
		Latency: time.Since(start),
	}, nil
}

// Internal API types

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeAnswer bool   `json:"include_answer,omitempty"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}
