// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchmesh/core/providers"
)

// stubClient returns canned responses and records the last request.
type stubClient struct {
	status  int
	body    string
	err     error
	lastReq *http.Request
}

func (s *stubClient) Do(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewBufferString(s.body)),
		Header:     make(http.Header),
	}, nil
}

func TestSupports(t *testing.T) {
	a := New(Config{})
	assert.True(t, a.Supports(providers.CapabilityWebSearch))
	assert.False(t, a.Supports(providers.CapabilityContentExtract))
	assert.False(t, a.Supports(providers.CapabilityLLMComplete))
	assert.Equal(t, providers.ProviderTavily, a.Name())
}

func TestExecuteSuccess(t *testing.T) {
	stub := &stubClient{
		status: http.StatusOK,
		body: `{
			"answer": "Go is a programming language.",
			"query": "what is go",
			"results": [
				{"title": "The Go Programming Language", "url": "https://go.dev", "content": "Go is...", "score": 0.98},
				{"title": "Go (wiki)", "url": "https://en.wikipedia.org/wiki/Go", "content": "Go, also called Golang", "score": 0.71}
			]
		}`,
	}
	a := New(Config{Client: stub})

	res, err := a.Execute(context.Background(), "tvly-secret", providers.Payload{Query: "what is go", MaxResults: 2})
	require.NoError(t, err)

	assert.Equal(t, "Go is a programming language.", res.Content)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "https://go.dev", res.Sources[0].URL)
	assert.InDelta(t, 0.98, res.Sources[0].Score, 0.001)
	assert.Greater(t, res.CostUSD, 0.0)

	// The key travels in the body, never in a header.
	assert.Empty(t, stub.lastReq.Header.Get("Authorization"))
	reqBody, _ := io.ReadAll(stub.lastReq.Body)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(reqBody, &sent))
	assert.Equal(t, "tvly-secret", sent["api_key"])
	assert.Equal(t, "what is go", sent["query"])
}

func TestExecuteMissingQuery(t *testing.T) {
	a := New(Config{Client: &stubClient{status: http.StatusOK, body: "{}"}})

	_, err := a.Execute(context.Background(), "tvly-secret", providers.Payload{})
	require.Error(t, err)
	assert.Equal(t, providers.ErrorKindMalformed, providers.KindOf(err))
}

func TestExecuteErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   providers.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, providers.ErrorKindAuth},
		{"throttled", http.StatusTooManyRequests, providers.ErrorKindRateLimited},
		{"server error", http.StatusBadGateway, providers.ErrorKindTransient},
		{"bad request", http.StatusBadRequest, providers.ErrorKindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{Client: &stubClient{status: tt.status, body: `{"detail":"nope"}`}})
			_, err := a.Execute(context.Background(), "tvly-secret", providers.Payload{Query: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.want, providers.KindOf(err))
		})
	}
}

func TestExecuteTransportError(t *testing.T) {
	a := New(Config{Client: &stubClient{err: context.DeadlineExceeded}})
	_, err := a.Execute(context.Background(), "tvly-secret", providers.Payload{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, providers.ErrorKindTransient, providers.KindOf(err))
}
