package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
)

// SessionTracker wraps every delta pull and batch upload in an audit record.
// Each operation opens exactly one session and closes it with a terminal
// status before returning to the caller.
type SessionTracker struct {
	sessions repositories.SyncSessionRepository
	logger   *slog.Logger
}

func NewSessionTracker(sessions repositories.SyncSessionRepository, logger *slog.Logger) *SessionTracker {
	return &SessionTracker{sessions: sessions, logger: logger}
}

func (t *SessionTracker) Start(ctx context.Context, userID uuid.UUID, syncType models.SyncType) (uuid.UUID, error) {
	session := &models.SyncSession{
		UserID:   userID,
		SyncType: syncType,
	}
	if err := t.sessions.Create(ctx, session); err != nil {
		return uuid.Nil, &SessionError{Err: err}
	}
	t.logger.Debug("sync session started",
		"session_id", session.ID, "user_id", userID, "sync_type", syncType)
	return session.ID, nil
}

func (t *SessionTracker) Complete(ctx context.Context, sessionID uuid.UUID, changes, conflicts int) error {
	if err := t.sessions.Complete(ctx, sessionID, changes, conflicts); err != nil {
		return &SessionError{Err: err}
	}
	t.logger.Info("sync session completed",
		"session_id", sessionID, "changes", changes, "conflicts", conflicts)
	return nil
}

// Fail marks the session failed. Errors are logged, not returned: Fail runs
// on paths that already carry an error for the caller.
func (t *SessionTracker) Fail(ctx context.Context, sessionID uuid.UUID, reason string) {
	if err := t.sessions.Fail(ctx, sessionID, reason); err != nil {
		t.logger.Error("failed to mark sync session failed",
			"session_id", sessionID, "reason", reason, "error", err)
		return
	}
	t.logger.Warn("sync session failed", "session_id", sessionID, "reason", reason)
}
