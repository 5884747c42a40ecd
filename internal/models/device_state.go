package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceSyncState is the last-seen sync status of one device, cached in
// Redis with a TTL. It is advisory: losing it only hides the device from the
// config endpoint's device list, it never affects correctness.
type DeviceSyncState struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	SyncType  SyncType  `json:"sync_type"`
	Watermark string    `json:"watermark,omitempty"`
	LastSync  time.Time `json:"last_sync"`
}
