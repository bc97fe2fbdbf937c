package repositories

import (
	"context"
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
//	CREATE TABLE attendance_events (
//	    id BIGSERIAL PRIMARY KEY,
//	    user_id TEXT NOT NULL,
//	    device_id UUID NOT NULL REFERENCES devices(id),
//	    serial_number TEXT NOT NULL DEFAULT '',
//	    ts TIMESTAMPTZ NOT NULL,
//	    method INT NOT NULL DEFAULT 0,
//	    action INT NOT NULL DEFAULT 0,
//	    original_status INT NOT NULL DEFAULT 0,
//	    raw_payload JSONB,
//	    sync_status TEXT NOT NULL DEFAULT 'pending',
//	    synced_at TIMESTAMPTZ,
//	    error_code TEXT,
//	    error_message TEXT,
//	    error_count INT NOT NULL DEFAULT 0,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (user_id, device_id, ts, method, action)
//	);

// Records that failed this many times stop appearing in pending queries.
// They remain visible in the error report and can be retried explicitly.
const maxErrorCount = 5

const attendanceColumns = `id, user_id, device_id, serial_number, ts, method, action,
	original_status, raw_payload, sync_status, synced_at,
	error_code, error_message, error_count, created_at`

type PostgresAttendanceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAttendanceRepository(pool *pgxpool.Pool) *PostgresAttendanceRepository {
	return &PostgresAttendanceRepository{pool: pool}
}

// Insert stores the event unless an identical (user, device, ts, method,
// action) tuple already exists. Returns true when a new row was created; on
// a duplicate the existing row's identity is loaded into event instead.
func (r *PostgresAttendanceRepository) Insert(ctx context.Context, event *models.AttendanceEvent) (bool, error) {
	query := `INSERT INTO attendance_events
	              (user_id, device_id, serial_number, ts, method, action, original_status, raw_payload)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (user_id, device_id, ts, method, action) DO NOTHING
	          RETURNING id, sync_status, created_at`

	err := r.pool.QueryRow(ctx, query,
		event.UserID,
		event.DeviceID,
		event.SerialNumber,
		event.Timestamp,
		event.Method,
		event.Action,
		event.OriginalStatus,
		event.RawPayload,
	).Scan(&event.ID, &event.SyncStatus, &event.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert attendance event: %w", err)
	}

	// Duplicate: fetch the existing row so the caller still sees its id.
	existing, err := r.getByTuple(ctx, event)
	if err != nil {
		return false, fmt.Errorf("failed to load duplicate attendance event: %w", err)
	}
	*event = *existing
	return false, nil
}

func (r *PostgresAttendanceRepository) getByTuple(ctx context.Context, event *models.AttendanceEvent) (*models.AttendanceEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_events
	          WHERE user_id = $1 AND device_id = $2 AND ts = $3 AND method = $4 AND action = $5`,
		attendanceColumns)

	return scanAttendanceEvent(r.pool.QueryRow(ctx, query,
		event.UserID, event.DeviceID, event.Timestamp, event.Method, event.Action))
}

func (r *PostgresAttendanceRepository) GetByID(ctx context.Context, id int64) (*models.AttendanceEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_events WHERE id = $1`, attendanceColumns)

	event, err := scanAttendanceEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance event: %w", err)
	}
	return event, nil
}

// GetLatestForUserBefore returns the user's most recent event on the device
// in [from, before), or ErrNotFound. Used to derive the action for punches
// reported with the undefined status.
func (r *PostgresAttendanceRepository) GetLatestForUserBefore(ctx context.Context, userID string, deviceID uuid.UUID, from, before time.Time) (*models.AttendanceEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_events
	          WHERE user_id = $1 AND device_id = $2 AND ts >= $3 AND ts < $4
	          ORDER BY ts DESC, id DESC
	          LIMIT 1`, attendanceColumns)

	event, err := scanAttendanceEvent(r.pool.QueryRow(ctx, query, userID, deviceID, from, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}
	return event, nil
}

// GetPendingByDate returns pending events on the given calendar date that
// have not hit the error ceiling, ordered for stable per-user grouping.
func (r *PostgresAttendanceRepository) GetPendingByDate(ctx context.Context, date time.Time, deviceID *uuid.UUID) ([]*models.AttendanceEvent, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())

	query := fmt.Sprintf(`SELECT %s FROM attendance_events
	          WHERE sync_status = 'pending'
	            AND COALESCE(error_count, 0) < $1
	            AND ts >= $2 AND ts < $2 + interval '1 day'
	            AND ($3::uuid IS NULL OR device_id = $3)
	          ORDER BY user_id, ts, id`, attendanceColumns)

	rows, err := r.pool.Query(ctx, query, maxErrorCount, day, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return collectAttendanceEvents(rows)
}

// GetPendingDates lists the distinct calendar dates that still hold syncable
// pending events, oldest first.
func (r *PostgresAttendanceRepository) GetPendingDates(ctx context.Context, deviceID *uuid.UUID) ([]string, error) {
	query := `SELECT DISTINCT ts::date AS day FROM attendance_events
	          WHERE sync_status = 'pending'
	            AND COALESCE(error_count, 0) < $1
	            AND ($2::uuid IS NULL OR device_id = $2)
	          ORDER BY day`

	rows, err := r.pool.Query(ctx, query, maxErrorCount, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan pending date: %w", err)
		}
		dates = append(dates, day.Format("2006-01-02"))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending dates: %w", err)
	}

	return dates, nil
}

// HasSyncedForDateAction reports whether the user already has a synced event
// of the given action on the date. The duplicate guard for re-runs.
func (r *PostgresAttendanceRepository) HasSyncedForDateAction(ctx context.Context, userID, date string, action int, deviceID *uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
	              SELECT 1 FROM attendance_events
	              WHERE user_id = $1
	                AND sync_status = 'synced'
	                AND action = $2
	                AND ts >= $3::date AND ts < $3::date + interval '1 day'
	                AND ($4::uuid IS NULL OR device_id = $4)
	          )`

	var exists bool
	err := r.pool.QueryRow(ctx, query, userID, action, date, deviceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check synced record: %w", err)
	}
	return exists, nil
}

// OtherPendingForDateAction returns ids of the user's pending events sharing
// the date and action, excluding the one just synced. These are the siblings
// that get skip-marked.
func (r *PostgresAttendanceRepository) OtherPendingForDateAction(ctx context.Context, userID, date string, action int, excludeID int64, deviceID *uuid.UUID) ([]int64, error) {
	query := `SELECT id FROM attendance_events
	          WHERE user_id = $1
	            AND sync_status = 'pending'
	            AND action = $2
	            AND ts >= $3::date AND ts < $3::date + interval '1 day'
	            AND id <> $4
	            AND ($5::uuid IS NULL OR device_id = $5)
	          ORDER BY id`

	rows, err := r.pool.Query(ctx, query, userID, action, date, excludeID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sibling events: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sibling id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sibling ids: %w", err)
	}

	return ids, nil
}

func (r *PostgresAttendanceRepository) MarkSynced(ctx context.Context, id int64) error {
	query := `UPDATE attendance_events
	          SET sync_status = 'synced', synced_at = now(),
	              error_code = NULL, error_message = NULL
	          WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark event synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPending resets a record for retry, clearing its error state and count.
func (r *PostgresAttendanceRepository) MarkPending(ctx context.Context, id int64) error {
	query := `UPDATE attendance_events
	          SET sync_status = 'pending', synced_at = NULL,
	              error_code = NULL, error_message = NULL, error_count = 0
	          WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark event pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresAttendanceRepository) MarkSkipped(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `UPDATE attendance_events
	          SET sync_status = 'skipped'
	          WHERE id = ANY($1) AND sync_status = 'pending'`

	tag, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events skipped: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresAttendanceRepository) RecordSyncError(ctx context.Context, id int64, code, message string) error {
	query := `UPDATE attendance_events
	          SET sync_status = 'error', error_code = $2, error_message = $3,
	              error_count = COALESCE(error_count, 0) + 1
	          WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, code, message)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetErrorRecords returns errored events regardless of error count; the
// ceiling only hides records from pending queries, never from the report.
func (r *PostgresAttendanceRepository) GetErrorRecords(ctx context.Context, deviceID *uuid.UUID, limit int) ([]*models.AttendanceEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_events
	          WHERE sync_status = 'error'
	            AND ($1::uuid IS NULL OR device_id = $1)
	          ORDER BY ts DESC
	          LIMIT $2`, attendanceColumns)

	rows, err := r.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error records: %w", err)
	}
	defer rows.Close()

	return collectAttendanceEvents(rows)
}

func (r *PostgresAttendanceRepository) SyncStats(ctx context.Context, deviceID *uuid.UUID) (*models.SyncStats, error) {
	query := `SELECT
	              COUNT(*) FILTER (WHERE sync_status = 'pending'),
	              COUNT(*) FILTER (WHERE sync_status = 'synced'),
	              COUNT(*) FILTER (WHERE sync_status = 'skipped'),
	              COUNT(*) FILTER (WHERE sync_status = 'error'),
	              COUNT(*)
	          FROM attendance_events
	          WHERE $1::uuid IS NULL OR device_id = $1`

	var stats models.SyncStats
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&stats.Pending, &stats.Synced, &stats.Skipped, &stats.Error, &stats.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync stats: %w", err)
	}
	return &stats, nil
}

func collectAttendanceEvents(rows pgx.Rows) ([]*models.AttendanceEvent, error) {
	var events []*models.AttendanceEvent
	for rows.Next() {
		event, err := scanAttendanceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance events: %w", err)
	}

	return events, nil
}

func scanAttendanceEvent(row rowScanner) (*models.AttendanceEvent, error) {
	var event models.AttendanceEvent
	err := row.Scan(
		&event.ID,
		&event.UserID,
		&event.DeviceID,
		&event.SerialNumber,
		&event.Timestamp,
		&event.Method,
		&event.Action,
		&event.OriginalStatus,
		&event.RawPayload,
		&event.SyncStatus,
		&event.SyncedAt,
		&event.ErrorCode,
		&event.ErrorMessage,
		&event.ErrorCount,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
