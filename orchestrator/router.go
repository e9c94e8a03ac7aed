// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"researchmesh/core/credentials"
	"researchmesh/core/providers"
	"researchmesh/core/ratelimit"
	"researchmesh/core/shared/logger"
)

// RouterOptions tunes retry and pacing behavior.
type RouterOptions struct {
	// MaxRetriesPerProvider bounds transient retries before failover.
	MaxRetriesPerProvider int

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	// RequestTimeout is the hard ceiling on one provider call.
	RequestTimeout time.Duration

	// ProviderRPS paces outbound calls per provider, independent of the
	// quota windows.
	ProviderRPS float64

	// PreferenceOverride pins the provider order per capability,
	// winning over methodology presets when set.
	PreferenceOverride map[providers.Capability][]string
}

func (o *RouterOptions) applyDefaults() {
	if o.MaxRetriesPerProvider <= 0 {
		o.MaxRetriesPerProvider = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ProviderRPS <= 0 {
		o.ProviderRPS = 10
	}
}

// RouteRequest is one capability request to dispatch.
type RouteRequest struct {
	Capability providers.Capability
	Payload    providers.Payload

	// Preference is the provider order to try; providers supporting the
	// capability but absent from the list come after it.
	Preference []string

	WorkflowID string
	RequestID  string
}

// Router drives one request through selection, dispatch, retry, and
// failover until it succeeds or every option is spent. Each request
// moves through a bounded loop; there is no recursion and no unbounded
// retry.
type Router struct {
	registry *providers.Registry
	store    *credentials.Store
	limiter  ratelimit.Limiter
	opts     RouterOptions

	pacerMu sync.Mutex
	pacers  map[string]*rate.Limiter

	log *logger.Logger
}

// NewRouter assembles a router over the registry, credential store, and
// rate limiter.
func NewRouter(registry *providers.Registry, store *credentials.Store, limiter ratelimit.Limiter, opts RouterOptions) *Router {
	opts.applyDefaults()
	return &Router{
		registry: registry,
		store:    store,
		limiter:  limiter,
		opts:     opts,
		pacers:   make(map[string]*rate.Limiter),
		log:      logger.New("router"),
	}
}

func (r *Router) configPreference(capability providers.Capability) []string {
	return r.opts.PreferenceOverride[capability]
}

func (r *Router) pacer(provider string) *rate.Limiter {
	r.pacerMu.Lock()
	defer r.pacerMu.Unlock()
	p, ok := r.pacers[provider]
	if !ok {
		burst := int(r.opts.ProviderRPS)
		if burst < 1 {
			burst = 1
		}
		p = rate.NewLimiter(rate.Limit(r.opts.ProviderRPS), burst)
		r.pacers[provider] = p
	}
	return p
}

// Route dispatches the request. On success it returns the result and the
// attempt trail; on terminal failure the trail plus a *RouteError whose
// code separates exhaustion (nothing was eligible, no call made for the
// final outcome) from dispatched-and-failed.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*providers.Result, []DispatchAttempt, error) {
	attempts := make([]DispatchAttempt, 0, 4)
	record := func(a DispatchAttempt) {
		a.At = time.Now().UTC()
		attempts = append(attempts, a)
		recordDispatchMetrics(a)
		r.log.Debug(req.WorkflowID, req.RequestID, "Dispatch attempt", map[string]interface{}{
			"provider":      a.Provider,
			"credential_id": a.CredentialID.String(),
			"outcome":       string(a.Outcome),
			"latency_ms":    a.Latency.Milliseconds(),
		})
	}

	adapters := r.registry.ForCapability(req.Capability, req.Preference)
	if len(adapters) == 0 {
		return nil, attempts, &RouteError{
			Code:    ErrCodeNoProvider,
			Message: fmt.Sprintf("no registered provider supports %s", req.Capability),
		}
	}

	var minRetryAfter time.Duration
	haveRetryAfter := false
	trackRetryAfter := func(d time.Duration) {
		if d <= 0 {
			return
		}
		if !haveRetryAfter || d < minRetryAfter {
			minRetryAfter = d
			haveRetryAfter = true
		}
	}

	for _, adapter := range adapters {
		provider := adapter.Name()
		transientRetries := 0
		tried := make(map[uuid.UUID]bool)

	providerLoop:
		for {
			if err := ctx.Err(); err != nil {
				return nil, attempts, &RouteError{Code: ErrCodeCancelled, Message: "request context done", Cause: err}
			}

			cred, err := r.selectCredential(ctx, provider, tried)
			if err != nil {
				return nil, attempts, &RouteError{Code: ErrCodeFailed, Message: "credential lookup failed", Cause: err}
			}
			if cred == nil {
				break providerLoop
			}

			decision, err := r.limiter.CheckAndReserve(ctx, cred, 1)
			if err != nil {
				return nil, attempts, &RouteError{Code: ErrCodeFailed, Message: "quota reservation failed", Cause: err}
			}
			if !decision.Allowed {
				tried[cred.ID] = true
				trackRetryAfter(decision.RetryAfter)
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeQuotaDenied})
				// The credential sits out until its tightest violated
				// window rolls over; Eligible reinstates it after that.
				if decision.RetryAfter > 0 {
					_ = r.store.MarkExhausted(ctx, cred.ID, time.Now().Add(decision.RetryAfter))
				}
				continue
			}

			result, latency, derr := r.dispatch(ctx, adapter, cred, req)
			if derr == nil {
				if err := r.limiter.RecordUsage(ctx, cred.ID, 1, 1); err != nil {
					r.log.Warn(req.WorkflowID, req.RequestID, "Usage reconciliation failed", map[string]interface{}{
						"credential_id": cred.ID.String(),
						"error":         err.Error(),
					})
				}
				_ = r.store.Touch(ctx, cred.ID)
				record(DispatchAttempt{
					CredentialID: cred.ID,
					Provider:     provider,
					Outcome:      OutcomeSucceeded,
					Latency:      latency,
					CostUSD:      result.CostUSD,
				})
				return result, attempts, nil
			}

			// The reservation is refunded in full: the provider either
			// rejected the call or never completed it.
			if err := r.limiter.Release(ctx, cred.ID, 1); err != nil {
				r.log.Warn(req.WorkflowID, req.RequestID, "Quota refund failed", map[string]interface{}{
					"credential_id": cred.ID.String(),
					"error":         err.Error(),
				})
			}

			switch providers.KindOf(derr) {
			case providers.ErrorKindAuth:
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeAuthFailed, Latency: latency})
				if err := r.store.MarkInvalid(ctx, cred.ID); err != nil {
					r.log.Error(req.WorkflowID, req.RequestID, "Failed to invalidate credential", map[string]interface{}{
						"credential_id": cred.ID.String(),
						"error":         err.Error(),
					})
				}
				tried[cred.ID] = true
				continue

			case providers.ErrorKindRateLimited:
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeRateLimited, Latency: latency})
				retryAfter := providers.RetryAfterOf(derr)
				if retryAfter <= 0 {
					retryAfter = time.Minute
				}
				trackRetryAfter(retryAfter)
				_ = r.store.MarkRateLimited(ctx, cred.ID, time.Now().Add(retryAfter))
				tried[cred.ID] = true
				continue

			case providers.ErrorKindTransient:
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeTransient, Latency: latency})
				transientRetries++
				if transientRetries > r.opts.MaxRetriesPerProvider {
					break providerLoop
				}
				promRetriesTotal.WithLabelValues(provider).Inc()
				backoff := r.opts.BackoffBase << (transientRetries - 1)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, attempts, &RouteError{Code: ErrCodeCancelled, Message: "request context done", Cause: ctx.Err()}
				}
				continue

			case providers.ErrorKindMalformed:
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeMalformed, Latency: latency})
				return nil, attempts, &RouteError{Code: ErrCodeFailed, Message: "request rejected by provider", Cause: derr}

			default:
				record(DispatchAttempt{CredentialID: cred.ID, Provider: provider, Outcome: OutcomeUnknown, Latency: latency})
				return nil, attempts, &RouteError{Code: ErrCodeFailed, Message: "unclassified provider failure", Cause: derr}
			}
		}
	}

	re := &RouteError{
		Code:    ErrCodeExhausted,
		Message: fmt.Sprintf("no eligible credential for any provider supporting %s", req.Capability),
	}
	if haveRetryAfter {
		re.RetryAfter = minRetryAfter
	}
	return nil, attempts, re
}

// selectCredential returns the eligible credential with the most quota
// headroom, preferring least-recently-used on ties. Credentials already
// tried for this request are skipped.
func (r *Router) selectCredential(ctx context.Context, provider string, tried map[uuid.UUID]bool) (*credentials.Credential, error) {
	eligible, err := r.store.Eligible(ctx, provider)
	if err != nil {
		return nil, err
	}

	var best *credentials.Credential
	bestHeadroom := -1.0
	for _, cred := range eligible {
		if tried[cred.ID] {
			continue
		}
		h, err := r.limiter.Headroom(ctx, cred)
		if err != nil {
			return nil, err
		}
		// Strict comparison keeps LRU order decisive on equal headroom.
		if h > bestHeadroom {
			best = cred
			bestHeadroom = h
		}
	}
	return best, nil
}

func (r *Router) dispatch(ctx context.Context, adapter providers.Adapter, cred *credentials.Credential, req RouteRequest) (*providers.Result, time.Duration, error) {
	if err := r.pacer(adapter.Name()).Wait(ctx); err != nil {
		return nil, 0, providers.WrapTransportError(adapter.Name(), err)
	}

	var result *providers.Result
	start := time.Now()
	err := r.store.DecryptForUse(ctx, cred.ID, func(secret string) error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
		res, execErr := adapter.Execute(callCtx, secret, req.Payload)
		result = res
		return execErr
	})
	return result, time.Since(start), err
}
