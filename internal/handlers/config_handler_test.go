package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfigProvider struct {
	prefs   models.Preferences
	devices []*models.DeviceSyncState
	setErr  error

	gotPrefs *models.Preferences
}

func (s *stubConfigProvider) ResolveEntities(role models.Role) []catalog.EntityDescriptor {
	return catalog.ResolveEntities(role)
}

func (s *stubConfigProvider) GetPreferences(ctx context.Context, userID uuid.UUID) (models.Preferences, error) {
	return s.prefs, nil
}

func (s *stubConfigProvider) SetPreferences(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.gotPrefs = &prefs
	return nil
}

func (s *stubConfigProvider) ListDevices(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error) {
	return s.devices, nil
}

func TestHandleGetConfig(t *testing.T) {
	provider := &stubConfigProvider{prefs: models.DefaultPreferences()}
	h := NewConfigHandler(provider, testLogger())

	rec := httptest.NewRecorder()
	h.HandleGet(rec, authedRequest(http.MethodGet, "/sync/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Preferences models.Preferences `json:"preferences"`
		Entities    []struct {
			Name           string `json:"name"`
			Writable       bool   `json:"writable"`
			ConflictExempt bool   `json:"conflictExempt"`
		} `json:"entities"`
		Devices []any `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, models.DefaultPreferences(), resp.Preferences)
	assert.NotNil(t, resp.Devices)

	byName := make(map[string]bool, len(resp.Entities))
	for _, e := range resp.Entities {
		byName[e.Name] = e.Writable
		if e.Name == "messages" {
			assert.True(t, e.ConflictExempt)
		}
	}
	// The request is authenticated as a teacher.
	assert.True(t, byName["grades"])
	assert.False(t, byName["events"])
}

func TestHandlePutConfig(t *testing.T) {
	provider := &stubConfigProvider{}
	h := NewConfigHandler(provider, testLogger())

	body := []byte(`{"sync_interval_minutes":30,"default_conflict_policy":"client_wins","staleness_window_days":14,"wifi_only":true}`)
	rec := httptest.NewRecorder()
	h.HandlePut(rec, authedRequest(http.MethodPut, "/sync/config", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, provider.gotPrefs)
	assert.Equal(t, 30, provider.gotPrefs.SyncIntervalMinutes)
	assert.True(t, provider.gotPrefs.WifiOnly)
}

func TestHandlePutConfig_UnknownKeyRejected(t *testing.T) {
	h := NewConfigHandler(&stubConfigProvider{}, testLogger())

	body := []byte(`{"sync_interval_minutes":30,"turbo_mode":true}`)
	rec := httptest.NewRecorder()
	h.HandlePut(rec, authedRequest(http.MethodPut, "/sync/config", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePutConfig_InvalidValues(t *testing.T) {
	h := NewConfigHandler(&stubConfigProvider{setErr: &services.ValidationError{Msg: "sync_interval_minutes must be positive"}}, testLogger())

	body := []byte(`{"sync_interval_minutes":0,"default_conflict_policy":"server_wins","staleness_window_days":7,"wifi_only":false}`)
	rec := httptest.NewRecorder()
	h.HandlePut(rec, authedRequest(http.MethodPut, "/sync/config", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
