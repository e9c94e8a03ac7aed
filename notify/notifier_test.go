// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Notify(context.Background(), Event{
		Kind:       EventWorkflowCompleted,
		WorkflowID: "wf-1",
		Message:    "workflow completed",
		At:         time.Now().UTC(),
	})

	select {
	case ev := <-received:
		assert.Equal(t, EventWorkflowCompleted, ev.Kind)
		assert.Equal(t, "wf-1", ev.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("webhook never received the event")
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1/unreachable")
	// Must not panic or block; delivery is best-effort.
	n.Notify(context.Background(), Event{Kind: EventWorkflowFailed, WorkflowID: "wf-2"})
}

type captureNotifier struct {
	events []Event
}

func (c *captureNotifier) Notify(_ context.Context, event Event) {
	c.events = append(c.events, event)
}

func TestMultiFansOut(t *testing.T) {
	a := &captureNotifier{}
	b := &captureNotifier{}
	m := Multi{a, b}

	m.Notify(context.Background(), Event{Kind: EventBudgetExceeded, WorkflowID: "wf-3"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, EventBudgetExceeded, a.events[0].Kind)
}
