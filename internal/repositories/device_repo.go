package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openclock/attendsync/internal/models"
)

// Schema (managed externally):
//
//	CREATE TABLE devices (
//	    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    name TEXT NOT NULL,
//	    ip TEXT NOT NULL DEFAULT '',
//	    port INT NOT NULL DEFAULT 0,
//	    password INT NOT NULL DEFAULT 0,
//	    timeout_sec INT NOT NULL DEFAULT 10,
//	    retry_count INT NOT NULL DEFAULT 3,
//	    retry_delay_sec INT NOT NULL DEFAULT 2,
//	    ping_interval_sec INT NOT NULL DEFAULT 30,
//	    force_udp BOOLEAN NOT NULL DEFAULT false,
//	    device_type TEXT NOT NULL DEFAULT 'pull',
//	    serial_number TEXT UNIQUE,
//	    is_active BOOLEAN NOT NULL DEFAULT true,
//	    push_meta JSONB,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ
//	);

const deviceColumns = `id, name, ip, port, password, timeout_sec, retry_count,
	retry_delay_sec, ping_interval_sec, force_udp, device_type,
	serial_number, is_active, push_meta, created_at, updated_at`

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1`, deviceColumns)

	device, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) GetBySerial(ctx context.Context, serial string) (*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE serial_number = $1`, deviceColumns)

	device, err := scanDevice(r.pool.QueryRow(ctx, query, serial))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device by serial: %w", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) ListActivePull(ctx context.Context) ([]*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices
	          WHERE device_type = 'pull' AND is_active = true
	          ORDER BY created_at`, deviceColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// EnsurePushDevice auto-registers a push device the first time its serial is
// seen. Push devices cannot be pre-provisioned with an address, so an unknown
// serial is a registration, not an error. The no-op conflict update lets
// RETURNING yield the existing row.
func (r *PostgresDeviceRepository) EnsurePushDevice(ctx context.Context, serial string, meta *models.PushMeta) (*models.Device, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push meta: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO devices (name, device_type, serial_number, is_active, push_meta)
	          VALUES ($1, 'push', $2, true, $3)
	          ON CONFLICT (serial_number) DO UPDATE SET serial_number = EXCLUDED.serial_number
	          RETURNING %s`, deviceColumns)

	device, err := scanDevice(r.pool.QueryRow(ctx, query,
		"Push Device "+serial,
		serial,
		metaJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure push device: %w", err)
	}
	return device, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var device models.Device
	var serial *string
	var metaJSON []byte
	var updatedAt *time.Time

	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.IP,
		&device.Port,
		&device.Password,
		&device.Timeout,
		&device.RetryCount,
		&device.RetryDelay,
		&device.PingInterval,
		&device.ForceUDP,
		&device.DeviceType,
		&serial,
		&device.IsActive,
		&metaJSON,
		&device.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if serial != nil {
		device.SerialNumber = *serial
	}
	device.UpdatedAt = updatedAt
	if len(metaJSON) > 0 {
		var meta models.PushMeta
		if err := json.Unmarshal(metaJSON, &meta); err == nil {
			device.PushMeta = &meta
		}
	}
	return &device, nil
}
