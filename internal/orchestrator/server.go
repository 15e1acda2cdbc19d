package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"flowmesh/internal/state"
	"flowmesh/internal/workflow"
)

// SubmitPayload is the HTTP body for execution submission.
type SubmitPayload struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Input    json.RawMessage    `json:"input,omitempty"`
	TenantID string             `json:"tenantId,omitempty"`
	UserID   string             `json:"userId,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// SubmitResponse echoes the accepted execution id.
type SubmitResponse struct {
	ExecutionID string `json:"executionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the orchestrator's HTTP mux:
//
//	POST /executions               submit a workflow execution
//	GET  /executions/{id}          execution snapshot
//	GET  /executions/{id}/history  transition log
//	POST /executions/{id}/cancel   cooperative cancellation
//	GET  /health                   liveness
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions", o.handleSubmit)
	mux.HandleFunc("GET /executions/{id}", o.handleStatus)
	mux.HandleFunc("GET /executions/{id}/history", o.handleHistory)
	mux.HandleFunc("POST /executions/{id}/cancel", o.handleCancel)
	mux.HandleFunc("GET /health", handleHealth)
	return mux
}

func (o *Orchestrator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload SubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	execID, err := o.Submit(r.Context(), &SubmitRequest{
		Workflow: payload.Workflow,
		Input:    payload.Input,
		TenantID: payload.TenantID,
		UserID:   payload.UserID,
		Metadata: payload.Metadata,
	})
	if err != nil {
		status := http.StatusInternalServerError
		// Validation failures are the submitter's problem.
		if strings.Contains(err.Error(), "ValidationError") ||
			errors.Is(err, workflow.ErrCycleDetected) ||
			errors.Is(err, workflow.ErrDanglingEdge) ||
			errors.Is(err, workflow.ErrEmptyGraph) {
			status = http.StatusBadRequest
		}
		log.Printf("[Orchestrator] Submit rejected: %v", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{ExecutionID: execID})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := o.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution": snap.Execution,
		"nodes":     snap.Nodes,
	})
}

func (o *Orchestrator) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := o.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := o.Cancel(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Orchestrator] Failed to encode response: %v", err)
	}
}
