package models

import (
	"time"
)

// DeviceType represents the class of installation an event originated from
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
)

// IsValid reports whether t is a known device class
func (t DeviceType) IsValid() bool {
	switch t {
	case DeviceTypePhone, DeviceTypeTablet, DeviceTypeDesktop:
		return true
	}
	return false
}

// SyncStatus is the per-event cloud bookkeeping state
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// Terminal reports whether no further transitions are expected from s.
// Error is not terminal while retries remain; callers decide that.
func (s SyncStatus) Terminal() bool {
	return s == SyncSynced || s == SyncConflict
}

// Device is one installation participating in sync
type Device struct {
	ID       string            `json:"device_id"`
	Name     string            `json:"device_name"`
	Type     DeviceType        `json:"device_type"`
	Active   bool              `json:"is_active"`
	LastSync *time.Time        `json:"last_sync_timestamp,omitempty"`
	Clock    map[string]uint64 `json:"vector_clock"`
}

// ItemState is the projected current state of an inventory item
type ItemState struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Notes      string            `json:"notes,omitempty"`
	Category   string            `json:"category,omitempty"`
	Barcode    string            `json:"barcode,omitempty"`
	Quantity   int               `json:"quantity"`
	Price      *float64          `json:"price,omitempty"`
	LocationID string            `json:"location_id,omitempty"`
	Extra      map[string]any    `json:"extra,omitempty"`
	Version    int               `json:"version"`
	Deleted    bool              `json:"deleted"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	LastDevice string            `json:"last_device"`
	Clock      map[string]uint64 `json:"vector_clock,omitempty"`
}

// LocationState is the projected current state of a storage location
type LocationState struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Notes      string         `json:"notes,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Version    int            `json:"version"`
	Deleted    bool           `json:"deleted"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	LastDevice string         `json:"last_device"`
}

// SyncHistoryEntry is one row of the local push/pull audit trail
type SyncHistoryEntry struct {
	ID        int64     `json:"id"`
	Direction string    `json:"direction"` // push | pull | resolve
	EventID   string    `json:"event_id"`
	Aggregate string    `json:"aggregate_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
