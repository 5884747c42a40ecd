package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/auth"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
)

// ConfigProvider serves the role's entity catalog and per-user preferences.
type ConfigProvider interface {
	ResolveEntities(role models.Role) []catalog.EntityDescriptor
	GetPreferences(ctx context.Context, userID uuid.UUID) (models.Preferences, error)
	SetPreferences(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error
	ListDevices(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error)
}

type ConfigHandler struct {
	config ConfigProvider
	logger *slog.Logger
}

func NewConfigHandler(config ConfigProvider, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{config: config, logger: logger}
}

type entityCapability struct {
	Name           string `json:"name"`
	Writable       bool   `json:"writable"`
	ConflictExempt bool   `json:"conflictExempt"`
	StudentScoped  bool   `json:"studentScoped"`
}

// HandleGet serves GET /sync/config: preferences, the role's entity
// catalog, and the cached sync state of the user's devices.
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	prefs, err := h.config.GetPreferences(r.Context(), scope.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	descs := h.config.ResolveEntities(scope.Role)
	entities := make([]entityCapability, 0, len(descs))
	for _, desc := range descs {
		entities = append(entities, entityCapability{
			Name:           desc.Name,
			Writable:       desc.WritableBy(scope.Role),
			ConflictExempt: desc.ConflictExempt,
			StudentScoped:  desc.StudentScoped,
		})
	}

	devices, err := h.config.ListDevices(r.Context(), scope.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if devices == nil {
		devices = []*models.DeviceSyncState{}
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"preferences": prefs,
		"entities":    entities,
		"devices":     devices,
	})
}

// HandlePut serves PUT /sync/config. Unknown preference keys are a
// structural error, never silently dropped.
func (h *ConfigHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var prefs models.Preferences
	if err := dec.Decode(&prefs); err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}

	if err := h.config.SetPreferences(r.Context(), scope.UserID, prefs); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"preferences": prefs,
	})
}
