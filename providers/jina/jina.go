// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package jina provides the content_extract adapter for the Jina Reader API.
// Reader takes an arbitrary URL and returns LLM-friendly markdown.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"researchmesh/core/providers"
)

const (
	DefaultBaseURL = "https://r.jina.ai"
	DefaultTimeout = 45 * time.Second

	costPerExtract = 0.002
)

// Config contains configuration for the Jina adapter
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  providers.HTTPClient
}

// Adapter implements providers.Adapter for Jina Reader.
type Adapter struct {
	baseURL string
	client  providers.HTTPClient
}

// New creates a Jina Reader adapter.
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

func (a *Adapter) Name() string { return providers.ProviderJina }

func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityContentExtract
}

// Execute fetches the markdown rendering of payload.URL through the
// Reader endpoint. The target URL is appended to the reader base path.
func (a *Adapter) Execute(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	if payload.URL == "" {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  "content_extract payload requires a url",
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/"+payload.URL, nil)
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+secret)
	httpReq.Header.Set("Accept", "application/json")

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

	var apiResp readerResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  fmt.Sprintf("failed to decode response: %v", err),
			Cause:    err,
		}
	}
	if apiResp.Code != 0 && apiResp.Code != http.StatusOK {
		return nil, providers.NewHTTPError(a.Name(), apiResp.Code, apiResp.Data.Content)
	}

	return &providers.Result{
		Content: apiResp.Data.Content,
		Sources: []providers.Source{{
			Title: apiResp.Data.Title,
			URL:   payload.URL,
		}},
		CostUSD: costPerExtract,
		Latency: time.Since(start),
	}, nil
}

type readerResponse struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"data"`
}
