package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// ========== Device Methods ==========

const deviceColumns = `serial, created_at, updated_at, address, type, brand, model,
               hardware_version, software_version, max_power, max_current, phases,
               name, configured_current, offline_charge, password_cipher,
               first_seen_at, last_seen_at, metadata`

func scanDevice(row interface{ Scan(dest ...interface{}) error }) (*models.Device, error) {
	device := &models.Device{}
	var serial []byte

	err := row.Scan(
		&serial, &device.CreatedAt, &device.UpdatedAt, &device.Address, &device.Type,
		&device.Brand, &device.Model, &device.HardwareVersion, &device.SoftwareVersion,
		&device.MaxPower, &device.MaxCurrent, &device.Phases, &device.Name,
		&device.ConfiguredCurrent, &device.OfflineCharge, &device.PasswordCipher,
		&device.FirstSeenAt, &device.LastSeenAt, &device.Metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(serial) != len(device.Serial) {
		return nil, fmt.Errorf("%w: serial of %d bytes", ErrInvalidData, len(serial))
	}
	copy(device.Serial[:], serial)

	return device, nil
}

// SaveDevice inserts or updates a device. CreatedAt and FirstSeenAt keep
// their stored values.
func (s *PostgresStore) SaveDevice(ctx context.Context, device *models.Device) error {
	if device.Serial.IsZero() {
		return fmt.Errorf("%w: empty serial", ErrInvalidData)
	}

	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO evses (
            serial, created_at, updated_at, address, type, brand, model,
            hardware_version, software_version, max_power, max_current, phases,
            name, configured_current, offline_charge, password_cipher,
            first_seen_at, last_seen_at, metadata
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
        )
        ON CONFLICT (serial) DO UPDATE SET
            updated_at = EXCLUDED.updated_at, address = EXCLUDED.address,
            type = EXCLUDED.type, brand = EXCLUDED.brand, model = EXCLUDED.model,
            hardware_version = EXCLUDED.hardware_version,
            software_version = EXCLUDED.software_version,
            max_power = EXCLUDED.max_power, max_current = EXCLUDED.max_current,
            phases = EXCLUDED.phases, name = EXCLUDED.name,
            configured_current = EXCLUDED.configured_current,
            offline_charge = EXCLUDED.offline_charge,
            password_cipher = EXCLUDED.password_cipher,
            first_seen_at = COALESCE(evses.first_seen_at, EXCLUDED.first_seen_at),
            last_seen_at = EXCLUDED.last_seen_at, metadata = EXCLUDED.metadata`

	_, err := s.getDB().ExecContext(ctx, query,
		device.Serial[:], device.CreatedAt, device.UpdatedAt, device.Address, device.Type,
		device.Brand, device.Model, device.HardwareVersion, device.SoftwareVersion,
		device.MaxPower, device.MaxCurrent, device.Phases, device.Name,
		device.ConfiguredCurrent, device.OfflineCharge, device.PasswordCipher,
		device.FirstSeenAt, device.LastSeenAt, device.Metadata,
	)
	return err
}

// GetDevice gets a device by serial
func (s *PostgresStore) GetDevice(ctx context.Context, serial emproto.Serial) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM evses WHERE serial = $1`
	return scanDevice(s.getDB().QueryRowContext(ctx, query, serial[:]))
}

// ListDevices lists every known device ordered by serial
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM evses ORDER BY serial`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, serial emproto.Serial) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM evses WHERE serial = $1", serial[:])
	if err != nil {
		return err
	}
	return checkAffected(result)
}
