package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/prudhvinik1/classsync/internal/repositories"
)

const tombstoneSweepMarker = "tombstone_purge"

// SweepService purges tombstones older than the retention window. The
// last-run marker makes RunDue safe to call from any scheduler: only one
// invocation per interval does work.
type SweepService struct {
	markers    repositories.SweepMarkerRepository
	tombstones repositories.TombstoneRepository
	retention  time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweepService(
	markers repositories.SweepMarkerRepository,
	tombstones repositories.TombstoneRepository,
	retention, interval time.Duration,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		markers:    markers,
		tombstones: tombstones,
		retention:  retention,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// RunDue performs the sweep if one is due. Returns how many tombstones were
// purged and whether this invocation did the work.
func (s *SweepService) RunDue(ctx context.Context) (int64, bool, error) {
	now := s.now()
	acquired, err := s.markers.Acquire(ctx, tombstoneSweepMarker, now.Add(-s.interval), now)
	if err != nil {
		return 0, false, err
	}
	if !acquired {
		return 0, false, nil
	}

	purged, err := s.tombstones.PurgeOlderThan(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, true, err
	}
	if purged > 0 {
		s.logger.Info("tombstone sweep purged expired entries", "purged", purged)
	}
	return purged, true, nil
}

// Start runs the sweep on a ticker until ctx is cancelled.
func (s *SweepService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.RunDue(ctx); err != nil {
				s.logger.Error("tombstone sweep failed", "error", err)
			}
		}
	}
}
