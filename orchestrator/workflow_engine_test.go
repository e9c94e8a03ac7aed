// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchmesh/core/providers"
)

type engineEnv struct {
	*routerEnv
	engine  *Engine
	repo    *MemoryWorkflowRepository
	search  *fakeAdapter
	extract *fakeAdapter
	llm     *fakeAdapter
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	search := &fakeAdapter{
		name:       providers.ProviderTavily,
		capability: providers.CapabilityWebSearch,
		fn: func(call int, payload providers.Payload) (*providers.Result, error) {
			return &providers.Result{
				Sources: []providers.Source{
					{URL: fmt.Sprintf("https://example.org/%s/%d", payload.Query, call), Title: "A", Snippet: "alpha"},
					{URL: fmt.Sprintf("https://research.net/%d", call), Title: "B", Snippet: "beta"},
					{URL: fmt.Sprintf("https://news.com/%d", call), Title: "C", Snippet: "gamma"},
				},
				CostUSD: 0.003,
			}, nil
		},
	}
	extract := &fakeAdapter{
		name:       providers.ProviderJina,
		capability: providers.CapabilityContentExtract,
		fn: func(_ int, payload providers.Payload) (*providers.Result, error) {
			return &providers.Result{
				Content: "extracted text from " + payload.URL,
				Sources: []providers.Source{{URL: payload.URL}},
				CostUSD: 0.002,
			}, nil
		},
	}
	llm := &fakeAdapter{
		name:       providers.ProviderOpenRouter,
		capability: providers.CapabilityLLMComplete,
		fn: func(int, providers.Payload) (*providers.Result, error) {
			return &providers.Result{
				Content:   "synthesized research report",
				TokensIn:  500,
				TokensOut: 800,
				CostUSD:   0.01,
			}, nil
		},
	}

	env := newRouterEnv(t, search, extract, llm)
	env.addCredential(t, "tavily", "tvly-aaaaaaaaaaaaaaaa", nil)
	env.addCredential(t, "jina", "jina_0123456789abcdef", nil)
	env.addCredential(t, "openrouter", "sk-or-0123456789abcdef", nil)

	repo := NewMemoryWorkflowRepository()
	engine := NewEngine(env.router, repo, nil, EngineOptions{
		ConcurrencyCapPerStep: 2,
		MinSourceCount:        3,
		DefaultBudgetLimit:    5.0,
	})
	return &engineEnv{routerEnv: env, engine: engine, repo: repo, search: search, extract: extract, llm: llm}
}

func (e *engineEnv) waitForStatus(t *testing.T, id uuid.UUID, status WorkflowStatus) *Workflow {
	t.Helper()
	var wf *Workflow
	require.Eventually(t, func() bool {
		got, err := e.engine.Get(context.Background(), id)
		if err != nil {
			return false
		}
		wf = got
		return wf.Status == status
	}, 5*time.Second, 10*time.Millisecond, "workflow never reached %s", status)
	return wf
}

func TestWorkflowHappyPath(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyCostOptimized, 0)
	require.NoError(t, err)
	assert.Equal(t, WorkflowPending, wf.Status)
	assert.Equal(t, 5.0, wf.BudgetLimit)

	require.NoError(t, env.engine.Start(ctx, wf.ID))
	done := env.waitForStatus(t, wf.ID, WorkflowCompleted)

	for _, step := range done.Steps {
		assert.Equal(t, StepCompleted, step.Status, "step %s", step.Kind)
		assert.NotEmpty(t, step.Attempts, "step %s", step.Kind)
	}
	assert.Greater(t, done.QualityScore, 0.5)
	assert.Greater(t, done.BudgetUsed, 0.0)
	assert.LessOrEqual(t, done.BudgetUsed, done.BudgetLimit)

	synthesis := done.StepByKind(StepSynthesis)
	require.NotNil(t, synthesis)
	require.Len(t, synthesis.Content, 1)
	assert.Equal(t, "synthesized research report", synthesis.Content[0])
	assert.Equal(t, 1, env.llm.callCount())
}

func TestWorkflowFailsWhenBudgetCoversNothing(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0.015)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	done := env.waitForStatus(t, wf.ID, WorkflowFailed)
	assert.Equal(t, ErrInsufficientBudget.Error(), done.FailureReason)
	assert.Equal(t, 0.0, done.BudgetUsed)
	for _, step := range done.Steps {
		assert.Equal(t, StepSkipped, step.Status)
	}
	assert.Equal(t, 0, env.search.callCount())
}

func TestWorkflowDegradedCompletion(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	// Enough budget for search and extraction, not for synthesis. The
	// quality gate (three distinct source domains) is met, so the run
	// completes degraded instead of failing.
	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0.11)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	done := env.waitForStatus(t, wf.ID, WorkflowCompleted)
	assert.Equal(t, StepSkipped, done.StepByKind(StepSynthesis).Status)
	assert.Equal(t, StepCompleted, done.StepByKind(StepDiscovery).Status)
	assert.LessOrEqual(t, done.BudgetUsed, done.BudgetLimit)
	assert.Equal(t, 0, env.llm.callCount())
}

func TestWorkflowIdempotentResume(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0)
	require.NoError(t, err)

	// Simulate a run paused after validation: the first three steps are
	// already complete with their results persisted.
	for _, kind := range []StepKind{StepDiscovery, StepAnalysis, StepValidation} {
		step := wf.StepByKind(kind)
		step.Status = StepCompleted
		step.Sources = []providers.Source{
			{URL: "https://example.org/a", Snippet: "alpha"},
			{URL: "https://research.net/b", Snippet: "beta"},
			{URL: "https://news.com/c", Snippet: "gamma"},
		}
		step.Content = []string{"prior content for " + string(kind)}
	}
	wf.Status = WorkflowPaused
	require.NoError(t, env.repo.Save(ctx, wf))

	require.NoError(t, env.engine.Resume(ctx, wf.ID))
	done := env.waitForStatus(t, wf.ID, WorkflowCompleted)

	// Completed steps were not re-executed: only synthesis dispatched.
	assert.Equal(t, 0, env.search.callCount())
	assert.Equal(t, 0, env.extract.callCount())
	assert.Equal(t, 1, env.llm.callCount())
	assert.Equal(t, StepCompleted, done.StepByKind(StepSynthesis).Status)
}

func TestWorkflowCancelBeforeStart(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0)
	require.NoError(t, err)
	require.NoError(t, env.engine.Cancel(ctx, wf.ID))

	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCancelled, got.Status)

	err = env.engine.Start(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWorkflowCancelDiscardsInFlightResults(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	env.search.fn = func(call int, payload providers.Payload) (*providers.Result, error) {
		<-gate
		return &providers.Result{
			Sources: []providers.Source{{URL: "https://example.org/late"}},
			CostUSD: 0.003,
		}, nil
	}

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	require.Eventually(t, func() bool {
		return env.search.callCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.Cancel(ctx, wf.ID))
	close(gate)

	done := env.waitForStatus(t, wf.ID, WorkflowCancelled)

	// In-flight calls finished, but their results were discarded and the
	// remaining pipeline never ran.
	discovery := done.StepByKind(StepDiscovery)
	assert.Empty(t, discovery.Sources)
	assert.Equal(t, 0, env.llm.callCount())

	// Partial state is still retrievable after cancellation.
	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCancelled, got.Status)
}

func TestWorkflowPauseInterruptsStep(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	base := env.search.fn
	env.search.fn = func(call int, payload providers.Payload) (*providers.Result, error) {
		<-gate
		return base(call, payload)
	}

	wf, err := env.engine.Create(ctx, "solid state batteries", MethodologyHybrid, 0)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	require.Eventually(t, func() bool {
		return env.search.callCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	// Pause while discovery is in flight: remaining dispatches are
	// deferred, the interrupted step's partial results are dropped, and
	// the whole step re-runs on resume.
	require.NoError(t, env.engine.Pause(ctx, wf.ID))
	close(gate)

	paused := env.waitForStatus(t, wf.ID, WorkflowPaused)
	assert.Equal(t, StepPending, paused.StepByKind(StepDiscovery).Status)
	assert.Empty(t, paused.StepByKind(StepDiscovery).Sources)
	searchCallsAtPause := env.search.callCount()

	require.NoError(t, env.engine.Resume(ctx, wf.ID))
	done := env.waitForStatus(t, wf.ID, WorkflowCompleted)

	// Discovery re-ran in full (3 queries) and validation added its two.
	assert.Equal(t, searchCallsAtPause+5, env.search.callCount())
	assert.Equal(t, StepCompleted, done.StepByKind(StepDiscovery).Status)
	assert.NotEmpty(t, done.StepByKind(StepDiscovery).Sources)
	assert.Equal(t, StepCompleted, done.StepByKind(StepSynthesis).Status)
}

// Observed per-call costs far above the step estimates must not push the
// recorded spend past the limit: admission control learns from the
// costliest call seen and skips dispatches that no longer fit.
func TestWorkflowBudgetCeilingWithCostlyCalls(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	base := env.search.fn
	env.search.fn = func(call int, payload providers.Payload) (*providers.Result, error) {
		res, err := base(call, payload)
		if res != nil {
			res.CostUSD = 0.40
		}
		return res, err
	}

	engine := NewEngine(env.router, env.repo, nil, EngineOptions{
		ConcurrencyCapPerStep: 1,
		MinSourceCount:        3,
	})

	wf, err := engine.Create(ctx, "solid state batteries", MethodologyHybrid, 1.0)
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx, wf.ID))

	var done *Workflow
	require.Eventually(t, func() bool {
		got, err := engine.Get(ctx, wf.ID)
		if err != nil {
			return false
		}
		done = got
		return done.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, done.BudgetUsed, done.BudgetLimit)

	// Discovery admitted two of its three searches before the learned
	// call cost exceeded the remaining budget; validation got one.
	assert.Equal(t, 3, env.search.callCount())

	// The quality gate was met before money ran out, so the run
	// completes degraded with synthesis skipped.
	assert.Equal(t, WorkflowCompleted, done.Status)
	assert.Equal(t, StepSkipped, done.StepByKind(StepSynthesis).Status)
}

func TestCreateValidation(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	_, err := env.engine.Create(ctx, "   ", MethodologyHybrid, 0)
	assert.Error(t, err)

	_, err = env.engine.Create(ctx, "ok", Methodology("aggressive"), 0)
	assert.Error(t, err)

	wf, err := env.engine.Create(ctx, "ok", "", 0)
	require.NoError(t, err)
	assert.Equal(t, MethodologyHybrid, wf.Methodology)
}
