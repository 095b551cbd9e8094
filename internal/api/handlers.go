package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forecourt/syncd/internal/netmon"
	"github.com/forecourt/syncd/internal/orchestrator"
	"github.com/forecourt/syncd/internal/store"
	"github.com/forecourt/syncd/internal/types"
	"github.com/forecourt/syncd/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store   *store.SQLiteStore
	orch    *orchestrator.Orchestrator
	monitor *netmon.Monitor
	apiKey  string
	nodeID  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s *store.SQLiteStore, o *orchestrator.Orchestrator, m *netmon.Monitor, apiKey, nodeID, version string) *Handler {
	return &Handler{
		store:   s,
		orch:    o,
		monitor: m,
		apiKey:  apiKey,
		nodeID:  nodeID,
		version: version,
	}
}

// HealthResponse is the public health payload.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	NodeID       string `json:"node_id"`
	Connected    bool   `json:"connected"`
	PendingCount int64  `json:"pending_count"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.PendingCount(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		NodeID:       h.nodeID,
		Connected:    h.monitor.Connected(),
		PendingCount: pending,
	})
}

// EnqueueRequest is the POST /mutations body. OperationID is an optional
// client idempotency key; retries carrying the same key get the original
// operation back instead of a duplicate.
type EnqueueRequest struct {
	OperationID string `json:"operation_id,omitempty"`
	types.Mutation
}

// EnqueueResponse acknowledges a queued mutation.
type EnqueueResponse struct {
	OperationID string `json:"operation_id"`
	Offline     bool   `json:"offline"`
}

// EnqueueMutation handles POST /api/v1/mutations
func (h *Handler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidateMutation(req.Mutation); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	if req.OperationID != "" {
		if err := validation.ValidateULID("operation_id", req.OperationID); err != nil {
			WriteProblemWithErrors(w, r, "Request contains invalid fields",
				[]validation.ValidationError{*err})
			return
		}
	}

	id, err := h.orch.Enqueue(r.Context(), req.Mutation, req.OperationID)
	if err != nil {
		slog.Error("enqueue failed",
			"entity_type", req.EntityType,
			"entity_id", req.EntityID,
			"error", err,
		)
		MapCoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(EnqueueResponse{OperationID: id, Offline: !h.monitor.Connected()}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// GetSyncState handles GET /api/v1/sync/state/{node_id}
func (h *Handler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	state, err := h.store.GetSyncState(r.Context(), nodeID)
	if err != nil {
		MapCoreError(w, r, err)
		return
	}
	writeJSON(w, state)
}

// TriggerResyncResponse reports a manual resync.
type TriggerResyncResponse struct {
	Requeued int64 `json:"requeued"`
}

// TriggerResync handles POST /api/v1/sync/trigger
func (h *Handler) TriggerResync(w http.ResponseWriter, r *http.Request) {
	n, err := h.orch.TriggerResync(r.Context())
	if err != nil {
		MapCoreError(w, r, err)
		return
	}
	writeJSON(w, TriggerResyncResponse{Requeued: n})
}

// ConnectivityRequest is the POST /connectivity body.
type ConnectivityRequest struct {
	Connected bool `json:"connected"`
}

// SetConnectivity handles POST /api/v1/connectivity, the explicit signal
// from the network layer.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	h.monitor.SetConnected(req.Connected)
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/v1/conflicts?status=pending
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != "pending" {
		WriteProblem(w, r, http.StatusBadRequest, "status must be empty or 'pending'")
		return
	}

	records, err := h.store.ListConflicts(r.Context(), status == "pending")
	if err != nil {
		MapCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"conflicts": records, "total": len(records)})
}

// ResolveConflictRequest is the manual-resolution body.
type ResolveConflictRequest struct {
	ChosenValue json.RawMessage `json:"chosen_value"`
	ActorID     string          `json:"actor_id"`
	StoreID     string          `json:"store_id"`
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateJSON("chosen_value", req.ChosenValue))
	c.Add(validation.ValidateRequired("actor_id", req.ActorID))
	if len(req.ChosenValue) == 0 {
		c.Add(&validation.ValidationError{Field: "chosen_value", Message: "is required"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	err := h.store.ResolveConflictManually(r.Context(), id, req.ChosenValue, req.ActorID, req.StoreID, h.nodeID)
	if err != nil {
		MapCoreError(w, r, err)
		return
	}

	// Unblocked operations should not wait for the next timer tick.
	h.orch.Kick()

	slog.Info("conflict manually resolved",
		"component", "api",
		"action", "conflict_resolved_manually",
		"conflict_id", id,
		"actor_id", req.ActorID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// ListAudit handles GET /api/v1/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
		Limit:      500,
	}

	var parseErr *validation.ValidationError
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			parseErr = &validation.ValidationError{Field: "from", Message: "must be RFC 3339"}
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			parseErr = &validation.ValidationError{Field: "to", Message: "must be RFC 3339"}
		}
		filter.To = t
	}
	if parseErr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields",
			[]validation.ValidationError{*parseErr})
		return
	}

	// The trail is queried by entity, by actor, or by date range; an
	// unscoped dump is not a supported surface.
	hasEntity := filter.EntityType != "" && filter.EntityID != ""
	hasRange := !filter.From.IsZero() || !filter.To.IsZero()
	if !hasEntity && filter.ActorID == "" && !hasRange {
		WriteProblem(w, r, http.StatusBadRequest,
			"provide entity_type+entity_id, actor_id, or a from/to range")
		return
	}

	entries, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		MapCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"entries": entries, "total": len(entries)})
}

// ListFlaggedCredit handles GET /api/v1/credit/flagged
func (h *Handler) ListFlaggedCredit(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListFlaggedCredit(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		MapCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"flagged": records, "total": len(records)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
