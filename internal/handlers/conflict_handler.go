package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/auth"
	"github.com/prudhvinik1/classsync/internal/models"
)

// ConflictManager lists and resolves sync conflicts.
type ConflictManager interface {
	ListPending(ctx context.Context, userID uuid.UUID) ([]*models.ConflictRecord, error)
	Resolve(ctx context.Context, resolver models.AccessScope, conflictID uuid.UUID, resolution models.Resolution, resolvedData json.RawMessage) (*models.ConflictRecord, error)
}

type ConflictHandler struct {
	conflicts ConflictManager
	logger    *slog.Logger
}

func NewConflictHandler(conflicts ConflictManager, logger *slog.Logger) *ConflictHandler {
	return &ConflictHandler{conflicts: conflicts, logger: logger}
}

// HandleList serves GET /sync/conflicts: the caller's pending conflicts,
// each with its constituent operations.
func (h *ConflictHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	conflicts, err := h.conflicts.ListPending(r.Context(), scope.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.ConflictRecord{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

type resolveRequest struct {
	Resolution   string          `json:"resolution"`
	ResolvedData json.RawMessage `json:"resolvedData,omitempty"`
}

// HandleResolve serves POST /sync/conflicts/{id}/resolve.
func (h *ConflictHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	conflictID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "malformed conflict id", Kind: "validation"})
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: "validation"})
		return
	}
	if !models.ValidResolution(req.Resolution) {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "unknown resolution policy", Kind: "validation"})
		return
	}

	resolved, err := h.conflicts.Resolve(r.Context(), scope, conflictID, models.Resolution(req.Resolution), req.ResolvedData)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"conflict": resolved,
	})
}
