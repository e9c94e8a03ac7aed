// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package exa provides the web_search adapter for the Exa neural search API.
package exa

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
	DefaultBaseURL    = "https://api.exa.ai"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 10

	costPerSearch = 0.0025
)

// Config contains configuration for the Exa adapter
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  providers.HTTPClient
}

// Adapter implements providers.Adapter for Exa.
type Adapter struct {
	baseURL string
	client  providers.HTTPClient
}

// New creates an Exa adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{baseURL: cfg.BaseURL, client: client}
}

func (a *Adapter) Name() string { return providers.ProviderExa }

func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityWebSearch
}

// Execute performs an Exa search. Authentication uses the x-api-key header.
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

	reqBody, err := json.Marshal(searchRequest{
		Query:      payload.Query,
		NumResults: maxResults,
		Contents:   contentsSpec{Text: true},
	})
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
	httpReq.Header.Set("x-api-key", secret)

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
			Snippet: truncate(r.Text, 500),
			Score:   r.Score,
		})
	}

	return &providers.Result{
		Sources: sources,
		CostUSD: costPerSearch,
		Latency: time.Since(start),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type contentsSpec struct {
	Text bool `json:"text,omitempty"`
}

type searchRequest struct {
	Query      string       `json:"query"`
	NumResults int          `json:"numResults,omitempty"`
	Contents   contentsSpec `json:"contents,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title string  `json:"title"`
		URL   string  `json:"url"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}
