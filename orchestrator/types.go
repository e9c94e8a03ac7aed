// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator routes capability requests across providers and
// drives research workflows through their ordered steps. It owns the
// dispatch state machine, retry and failover policy, budget enforcement,
// and the HTTP surface of the service.
package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"researchmesh/core/providers"
)

// Methodology selects the provider preference profile for a workflow.
type Methodology string

const (
	// MethodologyCostOptimized favors cheap search and extraction tiers.
	MethodologyCostOptimized Methodology = "cost_optimized"

	// MethodologyProfessional favors Firecrawl's deeper crawling.
	MethodologyProfessional Methodology = "professional"

	// MethodologyHybrid balances the two.
	MethodologyHybrid Methodology = "hybrid"
)

// ValidMethodology reports whether m names a known profile.
func ValidMethodology(m Methodology) bool {
	switch m {
	case MethodologyCostOptimized, MethodologyProfessional, MethodologyHybrid:
		return true
	}
	return false
}

// methodologyPreference maps each methodology to its provider order per
// capability. Config-level overrides win over these presets.
var methodologyPreference = map[Methodology]map[providers.Capability][]string{
	MethodologyCostOptimized: {
		providers.CapabilityWebSearch:      {providers.ProviderSerpApi, providers.ProviderTavily, providers.ProviderExa},
		providers.CapabilityContentExtract: {providers.ProviderJina, providers.ProviderFirecrawl},
		providers.CapabilityLLMComplete:    {providers.ProviderOpenRouter},
	},
	MethodologyProfessional: {
		providers.CapabilityWebSearch:      {providers.ProviderFirecrawl, providers.ProviderTavily, providers.ProviderSerpApi, providers.ProviderExa},
		providers.CapabilityContentExtract: {providers.ProviderFirecrawl, providers.ProviderJina},
		providers.CapabilityLLMComplete:    {providers.ProviderOpenRouter},
	},
	MethodologyHybrid: {
		providers.CapabilityWebSearch:      {providers.ProviderTavily, providers.ProviderSerpApi, providers.ProviderFirecrawl, providers.ProviderExa},
		providers.CapabilityContentExtract: {providers.ProviderJina, providers.ProviderFirecrawl},
		providers.CapabilityLLMComplete:    {providers.ProviderOpenRouter},
	},
}

// PreferenceFor returns the provider order for a methodology/capability
// pair, falling back to the hybrid profile for unknown methodologies.
func PreferenceFor(m Methodology, capability providers.Capability) []string {
	prefs, ok := methodologyPreference[m]
	if !ok {
		prefs = methodologyPreference[MethodologyHybrid]
	}
	return prefs[capability]
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepKind names one phase of the research pipeline, always executed in
// the declared order.
type StepKind string

const (
	StepDiscovery  StepKind = "discovery"
	StepAnalysis   StepKind = "analysis"
	StepValidation StepKind = "validation"
	StepSynthesis  StepKind = "synthesis"
)

// StepOrder is the canonical pipeline.
var StepOrder = []StepKind{StepDiscovery, StepAnalysis, StepValidation, StepSynthesis}

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// AttemptOutcome classifies one dispatch attempt.
type AttemptOutcome string

const (
	OutcomeSucceeded   AttemptOutcome = "succeeded"
	OutcomeAuthFailed  AttemptOutcome = "auth_failed"
	OutcomeRateLimited AttemptOutcome = "rate_limited"
	OutcomeTransient   AttemptOutcome = "transient"
	OutcomeMalformed   AttemptOutcome = "malformed"
	OutcomeQuotaDenied AttemptOutcome = "quota_denied"
	OutcomeUnknown     AttemptOutcome = "unknown"
)

// DispatchAttempt is the immutable record of one provider call (or one
// quota denial that prevented a call).
type DispatchAttempt struct {
	CredentialID uuid.UUID      `json:"credential_id"`
	Provider     string         `json:"provider"`
	Outcome      AttemptOutcome `json:"outcome"`
	Latency      time.Duration  `json:"latency_ms"`
	CostUSD      float64        `json:"cost_usd"`
	At           time.Time      `json:"at"`
}

// Step is one phase of a workflow with its accumulated output.
type Step struct {
	Kind        StepKind           `json:"kind"`
	Status      StepStatus         `json:"status"`
	Attempts    []DispatchAttempt  `json:"attempts,omitempty"`
	Sources     []providers.Source `json:"sources,omitempty"`
	Content     []string           `json:"content,omitempty"`
	CostUSD     float64            `json:"cost_usd"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// Workflow is one research run.
type Workflow struct {
	ID            uuid.UUID      `json:"id"`
	Query         string         `json:"query"`
	Methodology   Methodology    `json:"methodology"`
	Status        WorkflowStatus `json:"status"`
	Steps         []*Step        `json:"steps"`
	BudgetLimit   float64        `json:"budget_limit"`
	BudgetUsed    float64        `json:"budget_used"`
	QualityScore  float64        `json:"quality_score"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewWorkflow builds a pending workflow with the full step pipeline.
func NewWorkflow(query string, methodology Methodology, budgetLimit float64) *Workflow {
	now := time.Now().UTC()
	steps := make([]*Step, 0, len(StepOrder))
	for _, kind := range StepOrder {
		steps = append(steps, &Step{Kind: kind, Status: StepPending})
	}
	return &Workflow{
		ID:          uuid.New(),
		Query:       query,
		Methodology: methodology,
		Status:      WorkflowPending,
		Steps:       steps,
		BudgetLimit: budgetLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StepByKind returns the named step, or nil.
func (w *Workflow) StepByKind(kind StepKind) *Step {
	for _, s := range w.Steps {
		if s.Kind == kind {
			return s
		}
	}
	return nil
}

// Sources returns every source accumulated across steps.
func (w *Workflow) AllSources() []providers.Source {
	var out []providers.Source
	for _, s := range w.Steps {
		out = append(out, s.Sources...)
	}
	return out
}
