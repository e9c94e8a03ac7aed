// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"researchmesh/core/notify"
	"researchmesh/core/providers"
	"researchmesh/core/shared/logger"
)

// EngineOptions tunes workflow execution.
type EngineOptions struct {
	// ConcurrencyCapPerStep bounds concurrent dispatches within a step.
	ConcurrencyCapPerStep int

	// MinSourceCount is the quality gate: a degraded run completes only
	// with at least this many distinct source domains.
	MinSourceCount int

	// DefaultBudgetLimit applies when a workflow is created without one.
	DefaultBudgetLimit float64
}

func (o *EngineOptions) applyDefaults() {
	if o.ConcurrencyCapPerStep <= 0 {
		o.ConcurrencyCapPerStep = 5
	}
	if o.MinSourceCount <= 0 {
		o.MinSourceCount = 3
	}
	if o.DefaultBudgetLimit <= 0 {
		o.DefaultBudgetLimit = 5.0
	}
}

// stepCostEstimate is the conservative pre-dispatch cost guess used by
// the budget gate. Observed costs replace it as soon as calls return.
var stepCostEstimate = map[StepKind]float64{
	StepDiscovery:  0.05,
	StepAnalysis:   0.02,
	StepValidation: 0.03,
	StepSynthesis:  0.10,
}

// workflowControl carries the cooperative pause/cancel flags for one
// running workflow.
type workflowControl struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	running   bool
}

func (c *workflowControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *workflowControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Engine executes workflows: strictly ordered steps, concurrent
// dispatches within a step, budget gating, and cooperative pause/cancel.
// Each workflow has exactly one executing goroutine at a time.
type Engine struct {
	router   *Router
	repo     WorkflowRepository
	notifier notify.Notifier
	opts     EngineOptions
	log      *logger.Logger

	mu       sync.Mutex
	controls map[uuid.UUID]*workflowControl
}

// NewEngine assembles a workflow engine.
func NewEngine(router *Router, repo WorkflowRepository, notifier notify.Notifier, opts EngineOptions) *Engine {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.NewLogNotifier()
	}
	return &Engine{
		router:   router,
		repo:     repo,
		notifier: notifier,
		opts:     opts,
		log:      logger.New("workflow-engine"),
		controls: make(map[uuid.UUID]*workflowControl),
	}
}

func (e *Engine) control(id uuid.UUID) *workflowControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controls[id]
	if !ok {
		c = &workflowControl{}
		e.controls[id] = c
	}
	return c
}

// Create registers a new pending workflow.
func (e *Engine) Create(ctx context.Context, query string, methodology Methodology, budgetLimit float64) (*Workflow, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if methodology == "" {
		methodology = MethodologyHybrid
	}
	if !ValidMethodology(methodology) {
		return nil, fmt.Errorf("unknown methodology %q", methodology)
	}
	if budgetLimit <= 0 {
		budgetLimit = e.opts.DefaultBudgetLimit
	}

	wf := NewWorkflow(query, methodology, budgetLimit)
	if err := e.repo.Save(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	e.log.Info(wf.ID.String(), "", "Workflow created", map[string]interface{}{
		"methodology":  string(methodology),
		"budget_limit": budgetLimit,
	})
	return wf, nil
}

// Start launches a pending workflow. Execution continues in the
// background; progress is observable through Get.
func (e *Engine) Start(ctx context.Context, id uuid.UUID) error {
	wf, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != WorkflowPending {
		return fmt.Errorf("%w: cannot start workflow in status %s", ErrInvalidTransition, wf.Status)
	}

	ctrl := e.control(id)
	ctrl.mu.Lock()
	if ctrl.running {
		ctrl.mu.Unlock()
		return fmt.Errorf("%w: workflow already executing", ErrInvalidTransition)
	}
	ctrl.running = true
	ctrl.paused = false
	ctrl.mu.Unlock()

	wf.Status = WorkflowRunning
	wf.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, wf); err != nil {
		ctrl.mu.Lock()
		ctrl.running = false
		ctrl.mu.Unlock()
		return fmt.Errorf("failed to persist workflow: %w", err)
	}

	go e.run(wf)
	return nil
}

// Pause requests a pause at the next step boundary.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) error {
	wf, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != WorkflowRunning {
		return fmt.Errorf("%w: cannot pause workflow in status %s", ErrInvalidTransition, wf.Status)
	}

	ctrl := e.control(id)
	ctrl.mu.Lock()
	ctrl.paused = true
	ctrl.mu.Unlock()
	return nil
}

// Resume continues a paused workflow. Completed steps are never
// re-executed, so resuming repeatedly is safe.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	wf, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != WorkflowPaused {
		return fmt.Errorf("%w: cannot resume workflow in status %s", ErrInvalidTransition, wf.Status)
	}

	ctrl := e.control(id)
	ctrl.mu.Lock()
	if ctrl.running {
		ctrl.mu.Unlock()
		return fmt.Errorf("%w: workflow already executing", ErrInvalidTransition)
	}
	ctrl.running = true
	ctrl.paused = false
	ctrl.mu.Unlock()

	wf.Status = WorkflowRunning
	wf.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, wf); err != nil {
		ctrl.mu.Lock()
		ctrl.running = false
		ctrl.mu.Unlock()
		return fmt.Errorf("failed to persist workflow: %w", err)
	}

	go e.run(wf)
	return nil
}

// Cancel requests cancellation. In-flight provider calls finish but
// their results are discarded; a workflow not currently executing is
// finalized immediately.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	wf, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow already %s", ErrInvalidTransition, wf.Status)
	}

	ctrl := e.control(id)
	ctrl.mu.Lock()
	ctrl.cancelled = true
	running := ctrl.running
	ctrl.mu.Unlock()

	if !running {
		wf.Status = WorkflowCancelled
		wf.UpdatedAt = time.Now().UTC()
		if err := e.repo.Save(ctx, wf); err != nil {
			return fmt.Errorf("failed to persist workflow: %w", err)
		}
		recordWorkflowMetrics(WorkflowCancelled, wf.CreatedAt)
		e.notifier.Notify(ctx, notify.Event{
			Kind:       notify.EventWorkflowCancelled,
			WorkflowID: id.String(),
			Message:    "workflow cancelled before execution",
			At:         time.Now().UTC(),
		})
	}
	return nil
}

// Get returns the workflow, including partial results.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	return e.repo.Get(ctx, id)
}

// List returns all workflows.
func (e *Engine) List(ctx context.Context) ([]*Workflow, error) {
	return e.repo.List(ctx)
}

// run executes the step pipeline. It is the only writer of wf while the
// workflow runs.
func (e *Engine) run(wf *Workflow) {
	ctx := context.Background()
	ctrl := e.control(wf.ID)
	defer func() {
		ctrl.mu.Lock()
		ctrl.running = false
		ctrl.mu.Unlock()
	}()

	budgetSkipped := false
	for _, step := range wf.Steps {
		if step.Status == StepCompleted || step.Status == StepSkipped {
			continue
		}

		if ctrl.isCancelled() {
			e.finalize(ctx, wf, WorkflowCancelled, "cancelled by request")
			return
		}
		if ctrl.isPaused() {
			wf.Status = WorkflowPaused
			wf.UpdatedAt = time.Now().UTC()
			e.persist(ctx, wf)
			e.log.Info(wf.ID.String(), "", "Workflow paused", nil)
			return
		}

		if wf.BudgetUsed+stepCostEstimate[step.Kind] > wf.BudgetLimit {
			step.Status = StepSkipped
			budgetSkipped = true
			e.log.Warn(wf.ID.String(), "", "Step skipped by budget gate", map[string]interface{}{
				"step":         string(step.Kind),
				"budget_used":  wf.BudgetUsed,
				"budget_limit": wf.BudgetLimit,
			})
			e.notifier.Notify(ctx, notify.Event{
				Kind:       notify.EventBudgetExceeded,
				WorkflowID: wf.ID.String(),
				Message:    fmt.Sprintf("step %s skipped: estimated cost exceeds remaining budget", step.Kind),
				At:         time.Now().UTC(),
			})
			continue
		}

		if err := e.executeStep(ctx, wf, step, ctrl); err != nil {
			if ctrl.isCancelled() {
				e.finalize(ctx, wf, WorkflowCancelled, "cancelled by request")
				return
			}
			if ctrl.isPaused() {
				wf.Status = WorkflowPaused
				wf.UpdatedAt = time.Now().UTC()
				e.persist(ctx, wf)
				e.log.Info(wf.ID.String(), "", "Workflow paused", nil)
				return
			}
			step.Status = StepFailed
			step.Error = err.Error()
			e.finalize(ctx, wf, WorkflowFailed, err.Error())
			return
		}

		wf.QualityScore = e.qualityScore(wf)
		wf.UpdatedAt = time.Now().UTC()
		e.persist(ctx, wf)
	}

	if ctrl.isCancelled() {
		e.finalize(ctx, wf, WorkflowCancelled, "cancelled by request")
		return
	}

	if budgetSkipped && !e.qualityGateMet(wf) {
		e.finalize(ctx, wf, WorkflowFailed, ErrInsufficientBudget.Error())
		return
	}
	e.finalize(ctx, wf, WorkflowCompleted, "")
}

func (e *Engine) finalize(ctx context.Context, wf *Workflow, status WorkflowStatus, reason string) {
	wf.Status = status
	wf.FailureReason = reason
	wf.UpdatedAt = time.Now().UTC()
	e.persist(ctx, wf)
	recordWorkflowMetrics(status, wf.CreatedAt)

	kind := notify.EventWorkflowCompleted
	message := "workflow completed"
	switch status {
	case WorkflowFailed:
		kind = notify.EventWorkflowFailed
		message = "workflow failed: " + reason
	case WorkflowCancelled:
		kind = notify.EventWorkflowCancelled
		message = "workflow cancelled"
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind:       kind,
		WorkflowID: wf.ID.String(),
		Message:    message,
		At:         time.Now().UTC(),
	})

	e.log.Info(wf.ID.String(), "", "Workflow finished", map[string]interface{}{
		"status":        string(status),
		"budget_used":   wf.BudgetUsed,
		"quality_score": wf.QualityScore,
		"reason":        reason,
	})
}

func (e *Engine) persist(ctx context.Context, wf *Workflow) {
	if err := e.repo.Save(ctx, wf); err != nil {
		e.log.Error(wf.ID.String(), "", "Failed to persist workflow", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// executeStep fans the step's requests out up to the concurrency cap.
// Results merge into the step under a lock; a step fails only when every
// request fails.
func (e *Engine) executeStep(ctx context.Context, wf *Workflow, step *Step, ctrl *workflowControl) error {
	requests := e.buildStepRequests(wf, step.Kind)
	if len(requests) == 0 {
		step.Status = StepCompleted
		step.CompletedAt = time.Now().UTC()
		return nil
	}

	step.Status = StepRunning
	step.StartedAt = time.Now().UTC()
	e.persist(ctx, wf)

	var (
		mu          sync.Mutex
		sources     []providers.Source
		content     []string
		attempts    []DispatchAttempt
		cost        float64
		reserved    float64
		maxCallCost float64
		successes   int
		interrupted bool
		lastErr     error
	)
	perCallEstimate := stepCostEstimate[step.Kind] / float64(len(requests))

	sem := semaphore.NewWeighted(int64(e.opts.ConcurrencyCapPerStep))
	g, gctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			// Checkpoints before each dispatch: a cancelled workflow
			// stops issuing new calls, and a paused one defers the rest
			// of the step to the resume.
			if ctrl.isCancelled() {
				return nil
			}
			if ctrl.isPaused() {
				mu.Lock()
				interrupted = true
				mu.Unlock()
				return nil
			}

			// Admission control: the dispatch is skipped when its
			// projected cost no longer fits the remaining budget. The
			// projection starts at this step's share of the estimate and
			// grows to the costliest call observed so far; reservations
			// cover in-flight siblings whose costs are not yet known.
			mu.Lock()
			projected := perCallEstimate
			if maxCallCost > projected {
				projected = maxCallCost
			}
			if wf.BudgetUsed+cost+reserved+projected > wf.BudgetLimit {
				mu.Unlock()
				return nil
			}
			reserved += projected
			mu.Unlock()

			result, trail, err := e.router.Route(gctx, req)

			mu.Lock()
			defer mu.Unlock()
			reserved -= projected
			attempts = append(attempts, trail...)
			var callCost float64
			for _, a := range trail {
				callCost += a.CostUSD
			}
			cost += callCost
			if callCost > maxCallCost {
				maxCallCost = callCost
			}
			if err != nil {
				lastErr = err
				return nil
			}
			successes++
			sources = append(sources, result.Sources...)
			if result.Content != "" {
				content = append(content, result.Content)
			}
			return nil
		})
	}
	_ = g.Wait()

	step.Attempts = append(step.Attempts, attempts...)

	if ctrl.isCancelled() {
		// In-flight attempts finished above; their results are dropped.
		return fmt.Errorf("workflow cancelled during step %s", step.Kind)
	}

	wf.BudgetUsed += cost
	if wf.BudgetUsed > wf.BudgetLimit {
		// A single call can outrun its projection; the recorded spend
		// still caps at the ceiling.
		wf.BudgetUsed = wf.BudgetLimit
	}
	step.CostUSD += cost

	if interrupted {
		// A pause interrupting the step keeps its spend but drops its
		// partial results; the whole step re-runs on resume.
		step.Status = StepPending
		return fmt.Errorf("workflow paused during step %s", step.Kind)
	}

	if successes == 0 {
		if lastErr != nil {
			return fmt.Errorf("step %s: %w", step.Kind, lastErr)
		}
		return fmt.Errorf("step %s produced no results", step.Kind)
	}

	step.Sources = append(step.Sources, sources...)
	step.Content = append(step.Content, content...)
	step.Status = StepCompleted
	step.CompletedAt = time.Now().UTC()
	return nil
}

// buildStepRequests derives the capability requests for one step from
// the workflow state accumulated so far.
func (e *Engine) buildStepRequests(wf *Workflow, kind StepKind) []RouteRequest {
	request := func(capability providers.Capability, payload providers.Payload) RouteRequest {
		return RouteRequest{
			Capability: capability,
			Payload:    payload,
			Preference: e.preference(wf, capability),
			WorkflowID: wf.ID.String(),
			RequestID:  uuid.New().String(),
		}
	}

	switch kind {
	case StepDiscovery:
		queries := []string{
			wf.Query,
			wf.Query + " overview",
			wf.Query + " recent developments",
		}
		out := make([]RouteRequest, 0, len(queries))
		for _, q := range queries {
			out = append(out, request(providers.CapabilityWebSearch, providers.Payload{
				Query:      q,
				MaxResults: 10,
			}))
		}
		return out

	case StepAnalysis:
		urls := topSourceURLs(wf.StepByKind(StepDiscovery), e.opts.ConcurrencyCapPerStep)
		out := make([]RouteRequest, 0, len(urls))
		for _, u := range urls {
			out = append(out, request(providers.CapabilityContentExtract, providers.Payload{URL: u}))
		}
		return out

	case StepValidation:
		return []RouteRequest{
			request(providers.CapabilityWebSearch, providers.Payload{
				Query:      wf.Query + " review",
				MaxResults: 5,
			}),
			request(providers.CapabilityWebSearch, providers.Payload{
				Query:      wf.Query + " criticism",
				MaxResults: 5,
			}),
		}

	case StepSynthesis:
		var material strings.Builder
		for _, s := range wf.Steps {
			for _, c := range s.Content {
				material.WriteString(c)
				material.WriteString("\n\n")
			}
			for _, src := range s.Sources {
				if src.Snippet != "" {
					material.WriteString(src.Snippet)
					material.WriteString("\n")
				}
			}
		}
		return []RouteRequest{
			request(providers.CapabilityLLMComplete, providers.Payload{
				SystemPrompt: "You are a research analyst. Synthesize the gathered material into a structured report with cited sources.",
				Prompt:       fmt.Sprintf("Research question: %s\n\nGathered material:\n%s", wf.Query, material.String()),
			}),
		}
	}
	return nil
}

// preference resolves the provider order: config overrides win, then the
// methodology preset.
func (e *Engine) preference(wf *Workflow, capability providers.Capability) []string {
	if override := e.router.configPreference(capability); len(override) > 0 {
		return override
	}
	return PreferenceFor(wf.Methodology, capability)
}

func topSourceURLs(step *Step, limit int) []string {
	if step == nil {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	for _, s := range step.Sources {
		if s.URL == "" {
			continue
		}
		if _, dup := seen[s.URL]; dup {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, s.URL)
		if len(out) == limit {
			break
		}
	}
	return out
}

// qualityScore blends source-domain diversity with raw coverage,
// recomputed as sources accumulate.
func (e *Engine) qualityScore(wf *Workflow) float64 {
	sources := wf.AllSources()
	if len(sources) == 0 {
		return 0
	}

	domains := make(map[string]struct{})
	for _, s := range sources {
		if d := domainOf(s.URL); d != "" {
			domains[d] = struct{}{}
		}
	}

	diversity := float64(len(domains)) / float64(e.opts.MinSourceCount)
	if diversity > 1 {
		diversity = 1
	}
	coverage := float64(len(sources)) / float64(2*e.opts.MinSourceCount)
	if coverage > 1 {
		coverage = 1
	}
	return 0.6*diversity + 0.4*coverage
}

func (e *Engine) qualityGateMet(wf *Workflow) bool {
	domains := make(map[string]struct{})
	for _, s := range wf.AllSources() {
		if d := domainOf(s.URL); d != "" {
			domains[d] = struct{}{}
		}
	}
	return len(domains) >= e.opts.MinSourceCount
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
