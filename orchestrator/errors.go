// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Routing error codes.
const (
	ErrCodeExhausted  = "all_providers_exhausted"
	ErrCodeFailed     = "request_failed"
	ErrCodeCancelled  = "workflow_cancelled"
	ErrCodeNoProvider = "no_capable_provider"
)

// RouteError is the terminal failure of a routed request. Code
// distinguishes exhaustion (nothing eligible, no call made) from a
// request that was dispatched and failed.
type RouteError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *RouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RouteError) Unwrap() error { return e.Cause }

// IsExhausted reports whether err is an all-providers-exhausted outcome.
func IsExhausted(err error) bool {
	var re *RouteError
	return errors.As(err, &re) && (re.Code == ErrCodeExhausted || re.Code == ErrCodeNoProvider)
}

// Workflow-level sentinels.
var (
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidTransition is returned when an operation does not apply
	// to the workflow's current status.
	ErrInvalidTransition = errors.New("invalid workflow state transition")

	// ErrInsufficientBudget marks a workflow that could not meet its
	// quality gate within the budget ceiling.
	ErrInsufficientBudget = errors.New("insufficient budget")
)
