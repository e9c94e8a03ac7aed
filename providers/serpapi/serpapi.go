// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package serpapi provides the web_search adapter for SerpApi (Google engine).
package serpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"researchmesh/core/providers"
)

const (
	DefaultBaseURL    = "https://serpapi.com"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 10

	// costPerSearch approximates one SerpApi search on the developer plan.
	costPerSearch = 0.01
)

// Config contains configuration for the SerpApi adapter
type Config struct {
	BaseURL string
	Engine  string // default "google"
	Timeout time.Duration
	Client  providers.HTTPClient
}

// Adapter implements providers.Adapter for SerpApi.
type Adapter struct {
	baseURL string
	engine  string
	client  providers.HTTPClient
}

// New creates a SerpApi adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Engine == "" {
		cfg.Engine = "google"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{baseURL: cfg.BaseURL, engine: cfg.Engine, client: client}
}

func (a *Adapter) Name() string { return providers.ProviderSerpApi }

func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityWebSearch
}

// Execute performs a SerpApi search. The API key travels as a query parameter.
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

	params := url.Values{}
	params.Set("engine", a.engine)
	params.Set("q", payload.Query)
	params.Set("num", strconv.Itoa(maxResults))
	params.Set("api_key", secret)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}

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

	// SerpApi reports some failures inside a 200 response.
	if apiResp.Error != "" {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  apiResp.Error,
		}
	}

	sources := make([]providers.Source, 0, len(apiResp.OrganicResults))
	for i, r := range apiResp.OrganicResults {
		sources = append(sources, providers.Source{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Score:   1.0 / float64(i+1), // rank-derived relevance
		})
	}

	return &providers.Result{
		Sources: sources,
		CostUSD: costPerSearch,
		Latency: time.Since(start),
	}, nil
}

type searchResponse struct {
	Error          string `json:"error,omitempty"`
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}
