package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openclock/attendsync/internal/models"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to the database named by TEST_DATABASE_URL, skipping
// the test when none is configured so the suite stays runnable without
// infrastructure.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

// setupTestDevice creates a pull device for foreign key constraints.
func setupTestDevice(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *models.Device {
	t.Helper()
	serial := "TEST-" + uuid.New().String()[:8]

	var device models.Device
	err := pool.QueryRow(ctx,
		`INSERT INTO devices (name, ip, port, device_type, serial_number, is_active)
		 VALUES ($1, '192.0.2.10', 4370, 'pull', $2, true)
		 RETURNING id, serial_number`,
		"Test Device "+serial, serial,
	).Scan(&device.ID, &device.SerialNumber)
	require.NoError(t, err, "Failed to create test device")

	t.Cleanup(func() { cleanupTestDevice(t, pool, device.ID) })
	return &device
}

func cleanupTestDevice(t *testing.T, pool *pgxpool.Pool, deviceID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `DELETE FROM attendance_events WHERE device_id = $1`, deviceID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM users WHERE device_id = $1`, deviceID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, deviceID)
	require.NoError(t, err)
}

func testEvent(device *models.Device, userID string, ts time.Time, action int) *models.AttendanceEvent {
	return &models.AttendanceEvent{
		UserID:       userID,
		DeviceID:     device.ID,
		SerialNumber: device.SerialNumber,
		Timestamp:    ts,
		Method:       models.MethodFingerprint,
		Action:       action,
	}
}
