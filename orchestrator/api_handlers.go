// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"researchmesh/core/credentials"
	"researchmesh/core/providers"
	"researchmesh/core/ratelimit"
	"researchmesh/core/shared/logger"
)

// alertSource exposes the limiter's retained threshold alerts.
type alertSource interface {
	Alerts() []ratelimit.Alert
}

// Server carries the HTTP handlers over the engine and credential store.
type Server struct {
	engine *Engine
	store  *credentials.Store
	alerts alertSource
	log    *logger.Logger
}

// NewServer assembles the API server.
func NewServer(engine *Engine, store *credentials.Store, alerts alertSource) *Server {
	return &Server{
		engine: engine,
		store:  store,
		alerts: alerts,
		log:    logger.New("api"),
	}
}

// Routes registers every endpoint on the router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.HandleFunc("/api/workflows", s.createWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/workflows", s.listWorkflowsHandler).Methods("GET")
	r.HandleFunc("/api/workflows/{id}", s.getWorkflowHandler).Methods("GET")
	r.HandleFunc("/api/workflows/{id}/results", s.workflowResultsHandler).Methods("GET")
	r.HandleFunc("/api/workflows/{id}/start", s.startWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/workflows/{id}/pause", s.pauseWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/workflows/{id}/resume", s.resumeWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/workflows/{id}/cancel", s.cancelWorkflowHandler).Methods("POST")

	r.HandleFunc("/api/credentials", s.registerCredentialHandler).Methods("POST")
	r.HandleFunc("/api/credentials", s.listCredentialsHandler).Methods("GET")

	r.HandleFunc("/api/alerts", s.alertsHandler).Methods("GET")
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createWorkflowRequest struct {
	Query       string  `json:"query"`
	Methodology string  `json:"methodology"`
	BudgetLimit float64 `json:"budget_limit"`
}

func (s *Server) createWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wf, err := s.engine.Create(r.Context(), req.Query, Methodology(req.Methodology), req.BudgetLimit)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.engine.List(r.Context())
	if err != nil {
		sendErrorResponse(w, "failed to list workflows", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.workflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// workflowResults is the partial-results view, retrievable in any
// status, including failed and cancelled runs.
type workflowResults struct {
	WorkflowID   string             `json:"workflow_id"`
	Status       WorkflowStatus     `json:"status"`
	QualityScore float64            `json:"quality_score"`
	BudgetUsed   float64            `json:"budget_used"`
	BudgetLimit  float64            `json:"budget_limit"`
	Report       string             `json:"report,omitempty"`
	Sources      []providers.Source `json:"sources"`
	Failure      string             `json:"failure_reason,omitempty"`
}

func (s *Server) workflowResultsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.workflowError(w, err)
		return
	}

	var report string
	if synthesis := wf.StepByKind(StepSynthesis); synthesis != nil {
		report = strings.Join(synthesis.Content, "\n\n")
	}

	writeJSON(w, http.StatusOK, workflowResults{
		WorkflowID:   wf.ID.String(),
		Status:       wf.Status,
		QualityScore: wf.QualityScore,
		BudgetUsed:   wf.BudgetUsed,
		BudgetLimit:  wf.BudgetLimit,
		Report:       report,
		Sources:      wf.AllSources(),
		Failure:      wf.FailureReason,
	})
}

func (s *Server) startWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Start, "started")
}

func (s *Server) pauseWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Pause, "pausing")
}

func (s *Server) resumeWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Resume, "resumed")
}

func (s *Server) cancelWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Cancel, "cancelling")
}

type registerCredentialRequest struct {
	Provider string               `json:"provider"`
	Secret   string               `json:"secret"`
	Limits   *credentials.Limits  `json:"limits,omitempty"`
}

// redactedCredential is the API view of a credential: the secret never
// leaves the store, encrypted or otherwise.
type redactedCredential struct {
	ID         string              `json:"id"`
	Provider   string              `json:"provider"`
	Status     credentials.Status  `json:"status"`
	Limits     credentials.Limits  `json:"limits"`
	LastUsedAt *time.Time          `json:"last_used_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

func redact(c *credentials.Credential) redactedCredential {
	out := redactedCredential{
		ID:        c.ID.String(),
		Provider:  c.Provider,
		Status:    c.Status,
		Limits:    c.Limits,
		CreatedAt: c.CreatedAt,
	}
	if !c.LastUsedAt.IsZero() {
		t := c.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func (s *Server) registerCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req registerCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cred, err := s.store.Register(r.Context(), req.Provider, req.Secret, req.Limits)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidSecretFormat) {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("", "", "Credential registration failed", map[string]interface{}{
			"provider": req.Provider,
			"error":    err.Error(),
		})
		sendErrorResponse(w, "failed to register credential", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, redact(cred))
}

func (s *Server) listCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.List(r.Context())
	if err != nil {
		sendErrorResponse(w, "failed to list credentials", http.StatusInternalServerError)
		return
	}
	out := make([]redactedCredential, 0, len(creds))
	for _, c := range creds {
		out = append(out, redact(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": out})
}

func (s *Server) alertsHandler(w http.ResponseWriter, _ *http.Request) {
	alerts := []ratelimit.Alert{}
	if s.alerts != nil {
		alerts = s.alerts.Alerts()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error, verb string) {
	id, ok := s.workflowID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.workflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id.String(),
		"status":      verb,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		sendErrorResponse(w, "invalid workflow id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) workflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		sendErrorResponse(w, "workflow not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition):
		sendErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		sendErrorResponse(w, "internal error", http.StatusInternalServerError)
	}
}
