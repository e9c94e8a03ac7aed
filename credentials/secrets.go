// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"researchmesh/core/shared/logger"
)

// SecretSource resolves deployment secrets (most importantly the master
// passphrase) from an external backend by reference.
type SecretSource interface {
	GetSecret(ctx context.Context, ref string) (string, error)
}

// EnvSecretSource reads secrets from environment variables; the reference
// is the variable name.
type EnvSecretSource struct{}

// NewEnvSecretSource creates an environment-variable backed source.
func NewEnvSecretSource() *EnvSecretSource {
	return &EnvSecretSource{}
}

func (s *EnvSecretSource) GetSecret(_ context.Context, ref string) (string, error) {
	if value := os.Getenv(ref); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("environment variable %s is not set", ref)
}

// LocalSecretSource holds secrets in memory. Useful for development and
// tests where no external backend exists.
type LocalSecretSource struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewLocalSecretSource creates an in-memory secret source.
func NewLocalSecretSource() *LocalSecretSource {
	return &LocalSecretSource{secrets: make(map[string]string)}
}

func (s *LocalSecretSource) GetSecret(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.secrets[ref]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in local source", maskRef(ref))
}

// SetSecret stores a secret locally.
func (s *LocalSecretSource) SetSecret(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ref] = value
}

// AWSSecretSource resolves secrets through AWS Secrets Manager with a
// TTL cache in front of the API.
type AWSSecretSource struct {
	client *secretsmanager.Client
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
}

type secretCacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSSecretSourceOptions holds options for creating an AWSSecretSource.
type AWSSecretSourceOptions struct {
	Region   string
	CacheTTL time.Duration
}

// NewAWSSecretSource creates an AWS Secrets Manager backed source.
func NewAWSSecretSource(ctx context.Context, opts AWSSecretSourceOptions) (*AWSSecretSource, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSecretSource{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		log:    logger.New("secret-source"),
	}, nil
}

// GetSecret fetches a secret by ARN or name. JSON secrets are expected to
// carry the value under "value"; plain string secrets are returned as-is.
func (s *AWSSecretSource) GetSecret(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	s.log.Debug("", "", "Fetching secret from AWS Secrets Manager", map[string]interface{}{
		"ref": maskRef(ref),
	})

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	value := *result.SecretString
	var fields map[string]string
	if err := json.Unmarshal([]byte(value), &fields); err == nil {
		if v, ok := fields["value"]; ok {
			value = v
		}
	}

	s.mu.Lock()
	s.cache[ref] = &secretCacheEntry{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// Invalidate drops a cached secret.
func (s *AWSSecretSource) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}

// ChainSecretSource tries each source in order and returns the first hit.
type ChainSecretSource struct {
	sources []SecretSource
}

// NewChainSecretSource builds a fallback chain.
func NewChainSecretSource(sources ...SecretSource) *ChainSecretSource {
	return &ChainSecretSource{sources: sources}
}

func (s *ChainSecretSource) GetSecret(ctx context.Context, ref string) (string, error) {
	var lastErr error
	for _, src := range s.sources {
		value, err := src.GetSecret(ctx, ref)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no secret sources configured")
	}
	return "", fmt.Errorf("secret %s unresolved: %w", maskRef(ref), lastErr)
}

// maskRef masks a secret reference for logging (last 8 characters only).
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}
