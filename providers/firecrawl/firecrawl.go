// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package firecrawl provides the Firecrawl adapter. Firecrawl covers two
// capabilities: content_extract via /v1/scrape and web_search via /v1/search.
package firecrawl

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
	DefaultBaseURL    = "https://api.firecrawl.dev"
	DefaultTimeout    = 60 * time.Second
	DefaultMaxResults = 5

	costPerScrape = 0.001
	costPerSearch = 0.005
)

// Config contains configuration for the Firecrawl adapter
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  providers.HTTPClient
}

// Adapter implements providers.Adapter for Firecrawl.
type Adapter struct {
	baseURL string
	client  providers.HTTPClient
}

// New creates a Firecrawl adapter.
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

func (a *Adapter) Name() string { return providers.ProviderFirecrawl }

func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityContentExtract ||
		capability == providers.CapabilityWebSearch
}

// Execute dispatches on the payload shape: a URL means scrape, a query
// means search. A payload carrying both prefers the scrape.
func (a *Adapter) Execute(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	switch {
	case payload.URL != "":
		return a.scrape(ctx, secret, payload)
	case payload.Query != "":
		return a.search(ctx, secret, payload)
	default:
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  "payload requires a url (scrape) or a query (search)",
		}
	}
}

func (a *Adapter) scrape(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	reqBody, err := json.Marshal(scrapeRequest{
		URL:     payload.URL,
		Formats: []string{"markdown"},
	})
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
			Cause:    err,
		}
	}

	start := time.Now()
	var apiResp scrapeResponse
	if err := a.post(ctx, secret, "/v1/scrape", reqBody, &apiResp); err != nil {
		return nil, err
	}
	if !apiResp.Success {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  "scrape reported failure: " + apiResp.Error,
		}
	}

	return &providers.Result{
		Content: apiResp.Data.Markdown,
		Sources: []providers.Source{{
			Title: apiResp.Data.Metadata.Title,
			URL:   payload.URL,
		}},
		CostUSD: costPerScrape,
		Latency: time.Since(start),
	}, nil
}

func (a *Adapter) search(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	maxResults := payload.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	reqBody, err := json.Marshal(searchRequest{
		Query: payload.Query,
		Limit: maxResults,
	})
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
			Cause:    err,
		}
	}

	start := time.Now()
	var apiResp searchResponse
	if err := a.post(ctx, secret, "/v1/search", reqBody, &apiResp); err != nil {
		return nil, err
	}
	if !apiResp.Success {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  "search reported failure: " + apiResp.Error,
		}
	}

	sources := make([]providers.Source, 0, len(apiResp.Data))
	for i, r := range apiResp.Data {
		sources = append(sources, providers.Source{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
			Score:   1.0 / float64(i+1),
		})
	}

	return &providers.Result{
		Sources: sources,
		CostUSD: costPerSearch,
		Latency: time.Since(start),
	}, nil
}

func (a *Adapter) post(ctx context.Context, secret, path string, body []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return providers.WrapTransportError(a.Name(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return providers.NewHTTPError(a.Name(), resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  fmt.Sprintf("failed to decode response: %v", err),
			Cause:    err,
		}
	}
	return nil
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		Markdown string `json:"markdown"`
		Metadata struct {
			Title string `json:"title"`
		} `json:"metadata"`
	} `json:"data"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	} `json:"data"`
}
