package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openclock/attendsync/internal/models"
)

// Schema (managed externally):
//
//	CREATE TABLE users (
//	    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    user_id TEXT NOT NULL,
//	    name TEXT NOT NULL DEFAULT '',
//	    device_id UUID REFERENCES devices(id),
//	    serial_number TEXT NOT NULL DEFAULT '',
//	    external_user_id BIGINT NOT NULL DEFAULT 0,
//	    privilege INT NOT NULL DEFAULT 0,
//	    group_id INT NOT NULL DEFAULT 0,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (user_id, serial_number)
//	);

type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Upsert inserts the user or refreshes the mutable fields of an existing
// (user_id, serial_number) row. The external id is only overwritten when the
// caller provides a non-zero one, so a device re-announcing its roster does
// not wipe upstream mappings.
func (r *PostgresUserRepository) Upsert(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (user_id, name, device_id, serial_number, external_user_id, privilege, group_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (user_id, serial_number) DO UPDATE SET
	              name = EXCLUDED.name,
	              device_id = COALESCE(EXCLUDED.device_id, users.device_id),
	              external_user_id = CASE WHEN EXCLUDED.external_user_id > 0
	                                      THEN EXCLUDED.external_user_id
	                                      ELSE users.external_user_id END,
	              privilege = EXCLUDED.privilege,
	              group_id = EXCLUDED.group_id,
	              updated_at = now()
	          RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		user.UserID,
		user.Name,
		user.DeviceID,
		user.SerialNumber,
		user.ExternalUserID,
		user.Privilege,
		user.GroupID,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) GetByUserID(ctx context.Context, userID, serial string) (*models.User, error) {
	query := `SELECT id, user_id, name, device_id, serial_number, external_user_id,
	                 privilege, group_id, created_at, updated_at
	          FROM users
	          WHERE user_id = $1 AND serial_number = $2`

	user, err := scanUser(r.pool.QueryRow(ctx, query, userID, serial))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListByDevice returns the roster for one device, or all users when deviceID
// is nil.
func (r *PostgresUserRepository) ListByDevice(ctx context.Context, deviceID *uuid.UUID) ([]*models.User, error) {
	query := `SELECT id, user_id, name, device_id, serial_number, external_user_id,
	                 privilege, group_id, created_at, updated_at
	          FROM users
	          WHERE $1::uuid IS NULL OR device_id = $1
	          ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.UserID,
		&user.Name,
		&user.DeviceID,
		&user.SerialNumber,
		&user.ExternalUserID,
		&user.Privilege,
		&user.GroupID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
