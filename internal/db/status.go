package db

import (
	"context"
	"database/sql"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// UpsertDeviceStatus overwrites the status row for s.DeviceID and marks it
// dirty so the next sync cycle pushes it.
func (r *Repository) UpsertDeviceStatus(ctx context.Context, s *models.DeviceStatus) error {
	if s.DeviceID == "" {
		return apperrors.New(apperrors.ErrValidation, "device status requires device_id")
	}
	if s.Connectivity == "" {
		s.Connectivity = models.ConnectivityUnknown
	}
	s.UpdatedAt = r.now().UnixMilli()
	s.Dirty = true

	var battery interface{}
	if s.BatteryPercent != nil {
		battery = *s.BatteryPercent
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_status (device_id, last_heartbeat_at, firmware_version, config_version,
			connectivity, queue_depth, battery_percent, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			last_heartbeat_at = excluded.last_heartbeat_at,
			firmware_version  = excluded.firmware_version,
			config_version    = excluded.config_version,
			connectivity      = excluded.connectivity,
			queue_depth       = excluded.queue_depth,
			battery_percent   = excluded.battery_percent,
			updated_at        = excluded.updated_at,
			dirty             = 1`,
		s.DeviceID, s.LastHeartbeatAt, s.FirmwareVersion, s.ConfigVersion,
		string(s.Connectivity), s.QueueDepth, battery, s.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "upsert device status", err)
	}
	return nil
}

// GetDeviceStatus returns the status row for deviceID.
func (r *Repository) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	var (
		s       models.DeviceStatus
		conn    string
		battery sql.NullFloat64
		dirty   int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT device_id, last_heartbeat_at, firmware_version, config_version, connectivity,
			queue_depth, battery_percent, updated_at, dirty
		FROM device_status WHERE device_id = ?`, deviceID).
		Scan(&s.DeviceID, &s.LastHeartbeatAt, &s.FirmwareVersion, &s.ConfigVersion, &conn,
			&s.QueueDepth, &battery, &s.UpdatedAt, &dirty)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no status for device %s", deviceID)
	}
	if err != nil {
		return nil, err
	}
	s.Connectivity = models.Connectivity(conn)
	if battery.Valid {
		v := battery.Float64
		s.BatteryPercent = &v
	}
	s.Dirty = dirty == 1
	return &s, nil
}

// MarkDeviceStatusClean clears the dirty flag if the row has not been
// rewritten since updatedAt. Returns whether the flag was cleared.
func (r *Repository) MarkDeviceStatusClean(ctx context.Context, deviceID string, updatedAt int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_status SET dirty = 0 WHERE device_id = ? AND updated_at = ?`, deviceID, updatedAt)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrPersistence, "mark device status clean", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
