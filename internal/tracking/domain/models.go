package domain

import (
	"encoding/json"
	"time"
)

// Connectivity status of a position reading. Computed from coordinate
// presence only; whatever status the source reported is kept in Raw.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// NormalizedPosition is the canonical shape every telemetry source is
// converted to before it reaches the store. Latitude/Longitude are nil when
// the source had no parseable value; they are never NaN.
// The JSON tags follow the poll dialect, so a re-encoded normalized record
// normalizes back to itself.
type NormalizedPosition struct {
	DeviceID       string          `json:"deviceId"`
	Latitude       *float64        `json:"latitude"`
	Longitude      *float64        `json:"longitude"`
	Speed          float64         `json:"speed"`
	Altitude       float64         `json:"altitude"`
	Odometer       float64         `json:"odometer"`
	BatteryVoltage float64         `json:"battery"`
	Fix            *bool           `json:"fix,omitempty"`    // nil = unknown (the poll dialect carries no fix flag)
	Course         *float64        `json:"course,omitempty"` // nil = unknown
	CapturedAt     time.Time       `json:"timelastposition"`
	Status         string          `json:"status"`
	Raw            json.RawMessage `json:"-"` // original payload, kept for diagnostics
}

// HasCoordinates reports whether both coordinates resolved.
func (p NormalizedPosition) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Vehicle is a fleet registry entry. DeviceID links it to a physical
// telemetry unit; vehicles without one never receive telemetry merges.
type Vehicle struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"display_name"`
	Driver      string              `json:"driver"`
	DeviceID    string              `json:"device_id,omitempty"`
	Status      string              `json:"status"`
	Position    *NormalizedPosition `json:"position,omitempty"`
}

// PositionEvent is one merged update delivered to store subscribers.
type PositionEvent struct {
	DeviceID string             `json:"device_id"`
	Position NormalizedPosition `json:"position"`
}

// CacheStats is a snapshot of the position cache contents.
type CacheStats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}
