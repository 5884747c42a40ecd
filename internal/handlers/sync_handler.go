package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/auth"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/services"
)

// DeltaPuller computes incremental changes since a watermark.
type DeltaPuller interface {
	Pull(ctx context.Context, scope models.AccessScope, deviceID uuid.UUID, since models.Watermark, requested []string) (*services.DeltaResult, error)
}

// BatchApplier ingests a client-submitted change batch.
type BatchApplier interface {
	Apply(ctx context.Context, scope models.AccessScope, deviceID uuid.UUID, changes []models.ChangeRecord) (*services.BatchResult, error)
}

type SyncHandler struct {
	delta  DeltaPuller
	batch  BatchApplier
	logger *slog.Logger
}

func NewSyncHandler(delta DeltaPuller, batch BatchApplier, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{delta: delta, batch: batch, logger: logger}
}

type deltaMetadata struct {
	EntitiesSynced int  `json:"entitiesSynced"`
	TotalChanges   int  `json:"totalChanges"`
	TotalDeletions int  `json:"totalDeletions"`
	HasConflicts   bool `json:"hasConflicts"`
}

type deltaResponse struct {
	SyncSessionID uuid.UUID                               `json:"syncSessionId"`
	SyncType      models.SyncType                         `json:"syncType"`
	LastSyncToken string                                  `json:"lastSyncToken"`
	NewSyncToken  string                                  `json:"newSyncToken"`
	Changes       map[string][]*models.EntityRecord       `json:"changes"`
	Deletions     map[string][]*models.DeletionTombstone  `json:"deletions"`
	Conflicts     []*models.ConflictRecord                `json:"conflicts"`
	Metadata      deltaMetadata                           `json:"metadata"`
}

// HandleDelta serves GET /sync/delta. Delta pulls are all-or-nothing: any
// error fails the whole request.
func (h *SyncHandler) HandleDelta(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	token := r.URL.Query().Get("lastSyncToken")
	since, err := models.ParseWatermark(token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var requested []string
	if raw := r.URL.Query().Get("entities"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				requested = append(requested, name)
			}
		}
	}

	result, err := h.delta.Pull(r.Context(), scope, auth.DeviceIDFromContext(r.Context()), since, requested)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := deltaResponse{
		SyncSessionID: result.SessionID,
		SyncType:      models.SyncDelta,
		LastSyncToken: result.Since.String(),
		NewSyncToken:  result.NewWatermark.String(),
		Changes:       result.Changes,
		Deletions:     result.Deletions,
		Conflicts:     result.Conflicts,
		Metadata: deltaMetadata{
			EntitiesSynced: len(result.Entities),
			TotalChanges:   result.TotalChanges(),
			TotalDeletions: result.TotalDeletions(),
			HasConflicts:   len(result.Conflicts) > 0,
		},
	}
	if resp.Changes == nil {
		resp.Changes = map[string][]*models.EntityRecord{}
	}
	if resp.Deletions == nil {
		resp.Deletions = map[string][]*models.DeletionTombstone{}
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []*models.ConflictRecord{}
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

type batchUploadRequest struct {
	Changes []models.ChangeRecord `json:"changes"`
	BatchID string                `json:"batchId,omitempty"`
}

type batchItemError struct {
	ChangeID string `json:"changeId"`
	Error    string `json:"error"`
}

type batchUploadResponse struct {
	SessionID         uuid.UUID                `json:"sessionId"`
	BatchID           string                   `json:"batchId,omitempty"`
	TotalChanges      int                      `json:"totalChanges"`
	SuccessfulChanges int                      `json:"successfulChanges"`
	FailedChanges     int                      `json:"failedChanges"`
	Conflicts         int                      `json:"conflicts"`
	Results           []services.ItemResult    `json:"results"`
	ConflictDetails   []*models.ConflictRecord `json:"conflictDetails"`
	Errors            []batchItemError         `json:"errors"`
}

// HandleBatchUpload serves POST /sync/batch-upload. Partial success is the
// normal case: the response is 200 with a structured per-item breakdown,
// and only request-level problems produce an error status.
func (h *SyncHandler) HandleBatchUpload(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Kind: "auth"})
		return
	}

	var req batchUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: "validation"})
		return
	}

	result, err := h.batch.Apply(r.Context(), scope, auth.DeviceIDFromContext(r.Context()), req.Changes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := batchUploadResponse{
		SessionID:         result.SessionID,
		BatchID:           req.BatchID,
		TotalChanges:      len(req.Changes),
		SuccessfulChanges: result.Successful,
		FailedChanges:     result.Failed,
		Conflicts:         len(result.Conflicts),
		Results:           result.Results,
		ConflictDetails:   result.Conflicts,
		Errors:            []batchItemError{},
	}
	if resp.ConflictDetails == nil {
		resp.ConflictDetails = []*models.ConflictRecord{}
	}
	for _, item := range result.Results {
		if item.Error != "" {
			resp.Errors = append(resp.Errors, batchItemError{ChangeID: item.ClientChangeID, Error: item.Error})
		}
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}
