// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers workflow lifecycle events to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"researchmesh/core/shared/logger"
)

// EventKind classifies a notification.
type EventKind string

const (
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventBudgetExceeded    EventKind = "budget_exceeded"
)

// Event is one workflow lifecycle notification.
type Event struct {
	Kind       EventKind `json:"kind"`
	WorkflowID string    `json:"workflow_id"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Notifier receives workflow lifecycle events. Implementations must not
// block the workflow engine; slow deliveries should time out.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log. It is the default
// when no webhook is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.New("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.log.Info(event.WorkflowID, "", "Workflow event", map[string]interface{}{
		"kind":    string(event.Kind),
		"message": event.Message,
	})
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
// Delivery is best-effort: failures are logged, never propagated.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewWebhookNotifier creates a webhook notifier with a delivery timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.New("notifier-webhook"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.log.Error(event.WorkflowID, "", "Failed to marshal event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(body))
	if err != nil {
		n.log.Error(event.WorkflowID, "", "Failed to build webhook request", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn(event.WorkflowID, "", "Webhook delivery failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		n.log.Warn(event.WorkflowID, "", "Webhook delivery rejected", map[string]interface{}{
			"status": fmt.Sprintf("%d", resp.StatusCode),
		})
	}
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}
