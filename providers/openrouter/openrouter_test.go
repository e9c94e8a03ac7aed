// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchmesh/core/providers"
)

type stubClient struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (s *stubClient) Do(req *http.Request) (*http.Response, error) {
	return s.fn(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestExecuteSuccess(t *testing.T) {
	var captured *http.Request
	client := &stubClient{fn: func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(200, `{
			"choices": [{"message": {"role": "assistant", "content": "quantum computing overview"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 300}
		}`), nil
	}}

	a := New(Config{Client: client})
	result, err := a.Execute(context.Background(), "sk-or-v1-test-secret", providers.Payload{
		Prompt:       "Summarize quantum computing",
		SystemPrompt: "You are a research assistant",
	})
	require.NoError(t, err)

	assert.Equal(t, "quantum computing overview", result.Content)
	assert.Equal(t, 120, result.TokensIn)
	assert.Equal(t, 300, result.TokensOut)
	assert.InDelta(t, 120*inputCostPerToken+300*outputCostPerToken, result.CostUSD, 1e-9)

	require.NotNil(t, captured)
	assert.Equal(t, "Bearer sk-or-v1-test-secret", captured.Header.Get("Authorization"))
	assert.Contains(t, captured.URL.String(), "/chat/completions")

	var sent chatRequest
	body, _ := io.ReadAll(captured.Body)
	require.NoError(t, json.Unmarshal(body, &sent))
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, DefaultModel, sent.Model)
}

func TestExecuteMissingPrompt(t *testing.T) {
	a := New(Config{Client: &stubClient{fn: func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}}})

	_, err := a.Execute(context.Background(), "sk-test", providers.Payload{})
	assert.Equal(t, providers.ErrorKindMalformed, providers.KindOf(err))
}

func TestExecuteErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind providers.ErrorKind
	}{
		{"unauthorized", 401, providers.ErrorKindAuth},
		{"rate limited", 429, providers.ErrorKindRateLimited},
		{"server error", 503, providers.ErrorKindTransient},
		{"bad request", 400, providers.ErrorKindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{fn: func(*http.Request) (*http.Response, error) {
				return jsonResponse(tt.status, `{"error": {"message": "nope"}}`), nil
			}}
			a := New(Config{Client: client})
			_, err := a.Execute(context.Background(), "sk-test", providers.Payload{Prompt: "hi"})
			assert.Equal(t, tt.wantKind, providers.KindOf(err))
		})
	}
}

func TestExecuteEmbeddedError(t *testing.T) {
	// Upstream failures can come back inside a 200 body.
	client := &stubClient{fn: func(*http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"error": {"code": 429, "message": "rate limit exceeded"}}`), nil
	}}

	a := New(Config{Client: client})
	_, err := a.Execute(context.Background(), "sk-test", providers.Payload{Prompt: "hi"})
	assert.Equal(t, providers.ErrorKindRateLimited, providers.KindOf(err))
}

func TestExecuteTransportError(t *testing.T) {
	client := &stubClient{fn: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}

	a := New(Config{Client: client})
	_, err := a.Execute(context.Background(), "sk-test", providers.Payload{Prompt: "hi"})

	var perr *providers.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, providers.ProviderOpenRouter, perr.Provider)
}

func TestPayloadModelOverride(t *testing.T) {
	client := &stubClient{fn: func(req *http.Request) (*http.Response, error) {
		var sent chatRequest
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &sent)
		assert.Equal(t, "openai/gpt-4o-mini", sent.Model)
		return jsonResponse(200, `{"choices": [{"message": {"content": "ok"}}], "usage": {}}`), nil
	}}

	a := New(Config{Client: client})
	_, err := a.Execute(context.Background(), "sk-test", providers.Payload{
		Prompt: "hi",
		Model:  "openai/gpt-4o-mini",
	})
	require.NoError(t, err)
}
