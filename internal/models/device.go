package models

import "time"

// Connectivity is the last known reachability of the remote store.
type Connectivity string

const (
	ConnectivityUnknown Connectivity = "unknown"
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
)

// DeviceStatus is the single mutable status row for a device.
type DeviceStatus struct {
	DeviceID        string       `db:"device_id" json:"device_id" dynamodbav:"device_id"`
	LastHeartbeatAt int64        `db:"last_heartbeat_at" json:"last_heartbeat_at" dynamodbav:"last_heartbeat_at"` // unix millis
	FirmwareVersion string       `db:"firmware_version" json:"firmware_version" dynamodbav:"firmware_version"`
	ConfigVersion   string       `db:"config_version" json:"config_version" dynamodbav:"config_version"`
	Connectivity    Connectivity `db:"connectivity" json:"connectivity" dynamodbav:"connectivity"`
	QueueDepth      int64        `db:"queue_depth" json:"queue_depth" dynamodbav:"queue_depth"`
	BatteryPercent  *float64     `db:"battery_percent" json:"battery_percent,omitempty" dynamodbav:"battery_percent,omitempty"`
	UpdatedAt       int64        `db:"updated_at" json:"updated_at" dynamodbav:"updated_at"`
	Dirty           bool         `db:"dirty" json:"-" dynamodbav:"-"`
}

// TableName returns the table name for DeviceStatus.
func (DeviceStatus) TableName() string {
	return "device_status"
}

// StatusFields are the producer-supplied parts of a heartbeat. Zero values
// leave the stored field unchanged.
type StatusFields struct {
	At              time.Time
	FirmwareVersion string
	ConfigVersion   string
	BatteryPercent  *float64

	// Sample is recorded as a heartbeat event when heartbeat recording is on.
	Sample *HeartbeatPayload
}

// Apply merges fields into s.
func (f StatusFields) Apply(s *DeviceStatus) {
	if !f.At.IsZero() {
		s.LastHeartbeatAt = f.At.UnixMilli()
	}
	if f.FirmwareVersion != "" {
		s.FirmwareVersion = f.FirmwareVersion
	}
	if f.ConfigVersion != "" {
		s.ConfigVersion = f.ConfigVersion
	}
	if f.BatteryPercent != nil {
		v := *f.BatteryPercent
		s.BatteryPercent = &v
	}
}
