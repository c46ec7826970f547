// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/dispatcher"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/registry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler exposes the dispatcher's enqueue/status/cancel/affinity surface
// over HTTP.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	logger     *zap.Logger
}

// NewHandler builds a Handler wrapping an already-started dispatcher.
func NewHandler(d *dispatcher.Dispatcher, reg *registry.Registry, logger *zap.Logger) *Handler {
	return &Handler{dispatcher: d, registry: reg, logger: logger}
}

// RegisterRoutes wires the enqueue API onto router under /api/v1.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/jobs", h.enqueue).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", h.status).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", h.cancel).Methods(http.MethodDelete)
	v1.HandleFunc("/backends", h.listBackends).Methods(http.MethodGet)
	v1.HandleFunc("/backends/{id}/affinity", h.declareAffinity).Methods(http.MethodPost)
	v1.HandleFunc("/backends/{id}/checkpoints", h.declareResidentCheckpoints).Methods(http.MethodPost)
	v1.HandleFunc("/fingerprints/{fingerprint}/reset", h.resetFailover).Methods(http.MethodPost)
}

// enqueue handles POST /api/v1/jobs.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	jobID, err := h.dispatcher.Enqueue(r.Context(), req.Workflow, req.Options.toJobOptions())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue job", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID})
}

// status handles GET /api/v1/jobs/{id}.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	snap, err := h.dispatcher.Status(jobID)
	if err != nil {
		if errors.Is(err, dispatcher.ErrUnknownJob) {
			h.writeError(w, http.StatusNotFound, "unknown job", err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to read job status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// cancel handles DELETE /api/v1/jobs/{id}.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.dispatcher.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrUnknownJob):
			h.writeError(w, http.StatusNotFound, "unknown job", err)
		case errors.Is(err, dispatcher.ErrInvalidState):
			h.writeError(w, http.StatusConflict, "job already terminal", err)
		default:
			h.writeError(w, http.StatusInternalServerError, "failed to cancel job", err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// listBackends handles GET /api/v1/backends.
func (h *Handler) listBackends(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

// declareAffinity handles POST /api/v1/backends/{id}/affinity.
func (h *Handler) declareAffinity(w http.ResponseWriter, r *http.Request) {
	backendID := mux.Vars(r)["id"]
	var req affinityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.dispatcher.DeclareAffinity(backendID, req.Fingerprints)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// declareResidentCheckpoints handles POST /api/v1/backends/{id}/checkpoints,
// reporting which checkpoints a backend currently has loaded.
func (h *Handler) declareResidentCheckpoints(w http.ResponseWriter, r *http.Request) {
	backendID := mux.Vars(r)["id"]
	var req checkpointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.dispatcher.DeclareResidentCheckpoints(backendID, req.Checkpoints)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// resetFailover handles POST /api/v1/fingerprints/{fingerprint}/reset, the
// admin action that clears every backend's block state for a fingerprint.
func (h *Handler) resetFailover(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]
	h.dispatcher.ResetFailoverForFingerprint(fingerprint)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write json response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Warn(message, zap.Error(err), zap.Int("status", status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	_ = json.NewEncoder(w).Encode(resp)
}
