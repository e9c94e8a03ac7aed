// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package openrouter provides the llm_complete adapter for OpenRouter's
// OpenAI-compatible chat completions API.
package openrouter

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
	DefaultBaseURL   = "https://openrouter.ai/api/v1"
	DefaultTimeout   = 120 * time.Second
	DefaultModel     = "anthropic/claude-3.5-sonnet"
	DefaultMaxTokens = 4096

	// Blended per-token rates used for budget accounting when the
	// response omits native cost. Actual per-model pricing is resolved
	// by OpenRouter at billing time.
	inputCostPerToken  = 0.000003
	outputCostPerToken = 0.000015
)

// Config contains configuration for the OpenRouter adapter
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Client  providers.HTTPClient
}

// Adapter implements providers.Adapter for OpenRouter.
type Adapter struct {
	baseURL string
	model   string
	client  providers.HTTPClient
}

// New creates an OpenRouter adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{baseURL: cfg.BaseURL, model: cfg.Model, client: client}
}

func (a *Adapter) Name() string { return providers.ProviderOpenRouter }

func (a *Adapter) Supports(capability providers.Capability) bool {
	return capability == providers.CapabilityLLMComplete
}

// Execute runs a chat completion. The payload model, when set, overrides
// the adapter default.
func (a *Adapter) Execute(ctx context.Context, secret string, payload providers.Payload) (*providers.Result, error) {
	if payload.Prompt == "" {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  "llm_complete payload requires a prompt",
		}
	}

	model := payload.Model
	if model == "" {
		model = a.model
	}
	maxTokens := payload.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages := make([]chatMessage, 0, 2)
	if payload.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: payload.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: payload.Prompt})

	reqBody, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
			Cause:    err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindMalformed,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

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

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  fmt.Sprintf("failed to decode response: %v", err),
			Cause:    err,
		}
	}
	if apiResp.Error != nil {
		// OpenRouter reports some upstream failures inside a 200 body.
		kind := providers.ClassifyStatus(apiResp.Error.Code)
		return nil, &providers.Error{
			Provider:   a.Name(),
			Kind:       kind,
			StatusCode: apiResp.Error.Code,
			Message:    apiResp.Error.Message,
		}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &providers.Error{
			Provider: a.Name(),
			Kind:     providers.ErrorKindUnknown,
			Message:  "response contained no choices",
		}
	}

	tokensIn := apiResp.Usage.PromptTokens
	tokensOut := apiResp.Usage.CompletionTokens
	cost := float64(tokensIn)*inputCostPerToken + float64(tokensOut)*outputCostPerToken

	return &providers.Result{
		Content:   apiResp.Choices[0].Message.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   cost,
		Latency:   time.Since(start),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
