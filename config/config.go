// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package config loads the orchestrator configuration from the environment,
// optionally layered over a YAML file. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option for the research core.
type Config struct {
	// ListenAddr is the HTTP listen address for the inbound API.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the PostgreSQL connection string. Empty means in-memory
	// repositories (single-process, non-durable).
	DatabaseURL string `yaml:"database_url"`

	// RedisURL enables the Redis-backed quota counters when set.
	RedisURL string `yaml:"redis_url"`

	// MasterKey is the passphrase the credential store derives its
	// encryption key from. Required for registering credentials.
	MasterKey string `yaml:"-"`

	// MaxRetriesPerProvider bounds retry attempts against a single provider.
	MaxRetriesPerProvider int `yaml:"max_retries_per_provider"`

	// RetryBackoffBase is the base delay for exponential backoff.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// ConcurrencyCapPerStep caps parallel capability dispatches within a step.
	ConcurrencyCapPerStep int `yaml:"concurrency_cap_per_step"`

	// DefaultBudgetLimit is the per-workflow budget in USD when the caller
	// does not supply one.
	DefaultBudgetLimit float64 `yaml:"default_budget_limit"`

	// MinSourceCount is the quality gate for degraded completion.
	MinSourceCount int `yaml:"min_source_count"`

	// ProviderOrder maps a capability name to a comma-separated provider
	// preference list, e.g. "web_search" -> "serpapi,tavily,exa".
	ProviderOrder map[string]string `yaml:"provider_order"`

	// ProviderRPS paces outbound calls per provider (requests per second).
	ProviderRPS float64 `yaml:"provider_rps"`

	// RequestTimeout is the hard timeout for a single adapter call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SecretsBackend selects the secret source: "env", "aws" or "local".
	SecretsBackend string `yaml:"secrets_backend"`

	// AWSRegion is used by the AWS Secrets Manager backend.
	AWSRegion string `yaml:"aws_region"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:            ":8084",
		MaxRetriesPerProvider: 3,
		RetryBackoffBase:      500 * time.Millisecond,
		ConcurrencyCapPerStep: 5,
		DefaultBudgetLimit:    5.0,
		MinSourceCount:        3,
		ProviderOrder:         make(map[string]string),
		ProviderRPS:           10,
		RequestTimeout:        60 * time.Second,
		SecretsBackend:        "env",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// RESEARCHMESH_CONFIG, and environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("RESEARCHMESH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("MAX_RETRIES_PER_PROVIDER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetriesPerProvider = n
		}
	}
	if v := os.Getenv("RETRY_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBackoffBase = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CONCURRENCY_CAP_PER_STEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConcurrencyCapPerStep = n
		}
	}
	if v := os.Getenv("DEFAULT_BUDGET_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultBudgetLimit = f
		}
	}
	if v := os.Getenv("MIN_SOURCE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinSourceCount = n
		}
	}
	if v := os.Getenv("PROVIDER_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ProviderRPS = f
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SECRETS_BACKEND"); v != "" {
		cfg.SecretsBackend = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	}

	// PROVIDER_ORDER format: "web_search=serpapi,tavily;content_extract=jina,firecrawl"
	if v := os.Getenv("PROVIDER_ORDER"); v != "" {
		if cfg.ProviderOrder == nil {
			cfg.ProviderOrder = make(map[string]string)
		}
		for _, group := range strings.Split(v, ";") {
			group = strings.TrimSpace(group)
			if group == "" {
				continue
			}
			kv := strings.SplitN(group, "=", 2)
			if len(kv) == 2 {
				cfg.ProviderOrder[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	if c.MaxRetriesPerProvider < 0 {
		return fmt.Errorf("max_retries_per_provider must be >= 0, got %d", c.MaxRetriesPerProvider)
	}
	if c.ConcurrencyCapPerStep < 1 {
		return fmt.Errorf("concurrency_cap_per_step must be >= 1, got %d", c.ConcurrencyCapPerStep)
	}
	if c.DefaultBudgetLimit < 0 {
		return fmt.Errorf("default_budget_limit must be >= 0, got %f", c.DefaultBudgetLimit)
	}
	if c.RetryBackoffBase < 0 {
		return fmt.Errorf("retry_backoff_base must be >= 0")
	}
	switch c.SecretsBackend {
	case "env", "aws", "local":
	default:
		return fmt.Errorf("unknown secrets_backend %q", c.SecretsBackend)
	}
	return nil
}

// PreferenceOrder returns the configured provider order for a capability,
// or nil when the registry's registration order should be used.
func (c Config) PreferenceOrder(capability string) []string {
	raw, ok := c.ProviderOrder[capability]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	order := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			order = append(order, p)
		}
	}
	return order
}
