package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
	"github.com/prudhvinik1/classsync/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var sessionErr *services.SessionError

	switch {
	case services.IsValidationError(err), errors.Is(err, models.ErrMalformedWatermark):
		writeJSON(w, logger, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
	case errors.Is(err, services.ErrPermission):
		writeJSON(w, logger, http.StatusForbidden, errorResponse{Error: err.Error(), Kind: "permission"})
	case errors.Is(err, repositories.ErrNotFound):
		writeJSON(w, logger, http.StatusNotFound, errorResponse{Error: "not found", Kind: "not_found"})
	case errors.Is(err, repositories.ErrAlreadyResolved):
		writeJSON(w, logger, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "conflict"})
	case errors.As(err, &sessionErr):
		logger.Error("sync session failed", "error", err)
		writeJSON(w, logger, http.StatusServiceUnavailable, errorResponse{Error: "sync session failed, safe to retry", Kind: "session"})
	default:
		logger.Error("internal error", "error", err)
		writeJSON(w, logger, http.StatusInternalServerError, errorResponse{Error: "internal server error", Kind: "internal"})
	}
}
