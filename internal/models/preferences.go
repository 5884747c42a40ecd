package models

import "fmt"

// Preferences are per-user sync settings. Defaults apply when a user has
// never stored any.
type Preferences struct {
	SyncIntervalMinutes   int    `json:"sync_interval_minutes"`
	DefaultConflictPolicy string `json:"default_conflict_policy"`
	StalenessWindowDays   int    `json:"staleness_window_days"`
	WifiOnly              bool   `json:"wifi_only"`
}

const (
	DefaultSyncIntervalMinutes = 15
	DefaultStalenessWindowDays = 7
)

func DefaultPreferences() Preferences {
	return Preferences{
		SyncIntervalMinutes:   DefaultSyncIntervalMinutes,
		DefaultConflictPolicy: string(ResolutionServerWins),
		StalenessWindowDays:   DefaultStalenessWindowDays,
		WifiOnly:              false,
	}
}

// Validate checks field values. Unknown keys are rejected earlier, at
// decode time.
func (p Preferences) Validate() error {
	if p.SyncIntervalMinutes < 1 {
		return fmt.Errorf("sync_interval_minutes must be positive, got %d", p.SyncIntervalMinutes)
	}
	if p.StalenessWindowDays < 1 {
		return fmt.Errorf("staleness_window_days must be positive, got %d", p.StalenessWindowDays)
	}
	if !ValidResolution(p.DefaultConflictPolicy) {
		return fmt.Errorf("unknown conflict policy %q", p.DefaultConflictPolicy)
	}
	return nil
}
