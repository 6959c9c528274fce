package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"solartracker/solarsync/internal/model"
)

// UpsertDeviceRegistration inserts name with both timestamps set to at, or
// advances updated_at of the existing row. updated_at never moves backwards,
// so concurrent writers converge on the latest sighting.
func (s *Store) UpsertDeviceRegistration(ctx context.Context, name string, at time.Time) (model.DeviceRegistration, error) {
	if s.db == nil {
		return model.DeviceRegistration{}, fmt.Errorf("store not initialized")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return model.DeviceRegistration{}, fmt.Errorf("device name is required")
	}

	ts := formatTime(at)

	var (
		reg                  model.DeviceRegistration
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`INSERT INTO device_registration (device_name, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_name)
		 DO UPDATE SET updated_at = CASE
				WHEN excluded.updated_at > device_registration.updated_at THEN excluded.updated_at
				ELSE device_registration.updated_at
			END
		 RETURNING id, device_name, created_at, updated_at;`),
		name,
		ts,
		ts,
	).Scan(&reg.ID, &reg.DeviceName, &createdAt, &updatedAt)
	if err != nil {
		return model.DeviceRegistration{}, fmt.Errorf("upsert device registration: %w", err)
	}

	reg.CreatedAt = parseTime(createdAt)
	reg.UpdatedAt = parseTime(updatedAt)
	return reg, nil
}

// GetDevice returns the registration for name or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, name string) (model.DeviceRegistration, error) {
	if s.db == nil {
		return model.DeviceRegistration{}, fmt.Errorf("store not initialized")
	}

	var (
		reg                  model.DeviceRegistration
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`SELECT id, device_name, created_at, updated_at FROM device_registration WHERE device_name = ?;`),
		strings.TrimSpace(name),
	).Scan(&reg.ID, &reg.DeviceName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceRegistration{}, ErrNotFound
	}
	if err != nil {
		return model.DeviceRegistration{}, fmt.Errorf("get device: %w", err)
	}

	reg.CreatedAt = parseTime(createdAt)
	reg.UpdatedAt = parseTime(updatedAt)
	return reg, nil
}

// ListDevices returns all registrations, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]model.DeviceRegistration, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, device_name, created_at, updated_at FROM device_registration ORDER BY updated_at DESC, id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.DeviceRegistration
	for rows.Next() {
		var (
			reg                  model.DeviceRegistration
			createdAt, updatedAt string
		)
		if err := rows.Scan(&reg.ID, &reg.DeviceName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		reg.CreatedAt = parseTime(createdAt)
		reg.UpdatedAt = parseTime(updatedAt)
		devices = append(devices, reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}
