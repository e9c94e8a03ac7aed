// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the ResearchMesh research core.
//
// The service orchestrates research workflows across external providers
// (OpenRouter, SerpApi, Jina, Firecrawl, Tavily, Exa): it stores
// encrypted API credentials, enforces sliding-window quotas, routes
// capability requests with retry and failover, and executes the
// discovery/analysis/validation/synthesis pipeline under a budget.
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string (in-memory when unset)
//	REDIS_URL - Redis URL for distributed quota counters (optional)
//	MASTER_KEY - passphrase for credential encryption
//	SECRETS_BACKEND - env | aws | local (default: env)
//	PROVIDER_ORDER - per-capability provider preference, e.g.
//	                 "web_search=serpapi,tavily;content_extract=jina"
//	NOTIFY_WEBHOOK_URL - webhook for workflow lifecycle events (optional)
//	RESEARCHMESH_CONFIG - path to an optional YAML config file
package main

import (
	"researchmesh/core/orchestrator"
)

func main() {
	orchestrator.Run()
}
