package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
)

// ConfigService maps roles to their syncable entity catalog and manages
// per-user sync preferences.
type ConfigService struct {
	prefs   repositories.PreferenceRepository
	devices repositories.DeviceStateRepository
	logger  *slog.Logger
}

func NewConfigService(prefs repositories.PreferenceRepository, devices repositories.DeviceStateRepository, logger *slog.Logger) *ConfigService {
	return &ConfigService{prefs: prefs, devices: devices, logger: logger}
}

// ResolveEntities returns the entity catalog visible to role.
func (s *ConfigService) ResolveEntities(role models.Role) []catalog.EntityDescriptor {
	return catalog.ResolveEntities(role)
}

// GetPreferences returns the user's stored preferences, or defaults when
// none were ever stored.
func (s *ConfigService) GetPreferences(ctx context.Context, userID uuid.UUID) (models.Preferences, error) {
	prefs, err := s.prefs.Get(ctx, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.DefaultPreferences(), nil
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	return *prefs, nil
}

func (s *ConfigService) SetPreferences(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	if err := s.prefs.Set(ctx, userID, prefs); err != nil {
		return fmt.Errorf("failed to store preferences: %w", err)
	}
	s.logger.Info("sync preferences updated", "user_id", userID)
	return nil
}

// ListDevices returns the cached sync status of the user's devices.
func (s *ConfigService) ListDevices(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error) {
	states, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device states: %w", err)
	}
	return states, nil
}
