package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type DeviceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetBySerial(ctx context.Context, serial string) (*models.Device, error)
	ListActivePull(ctx context.Context) ([]*models.Device, error)
	// EnsurePushDevice registers a first-seen push device and returns the
	// existing row on later calls.
	EnsurePushDevice(ctx context.Context, serial string, meta *models.PushMeta) (*models.Device, error)
}

type UserRepository interface {
	Upsert(ctx context.Context, user *models.User) error
	GetByUserID(ctx context.Context, userID, serial string) (*models.User, error)
	ListByDevice(ctx context.Context, deviceID *uuid.UUID) ([]*models.User, error)
}

type AttendanceRepository interface {
	// Insert appends an event; the (user,device,timestamp,method,action)
	// uniqueness constraint absorbs duplicates. The bool reports whether
	// the event was actually new.
	Insert(ctx context.Context, event *models.AttendanceEvent) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.AttendanceEvent, error)
	GetLatestForUserBefore(ctx context.Context, userID string, deviceID uuid.UUID, from, before time.Time) (*models.AttendanceEvent, error)

	GetPendingByDate(ctx context.Context, date time.Time, deviceID *uuid.UUID) ([]*models.AttendanceEvent, error)
	GetPendingDates(ctx context.Context, deviceID *uuid.UUID) ([]string, error)
	HasSyncedForDateAction(ctx context.Context, userID, date string, action int, deviceID *uuid.UUID) (bool, error)
	OtherPendingForDateAction(ctx context.Context, userID, date string, action int, excludeID int64, deviceID *uuid.UUID) ([]int64, error)

	MarkSynced(ctx context.Context, id int64) error
	MarkPending(ctx context.Context, id int64) error
	MarkSkipped(ctx context.Context, ids []int64) (int64, error)
	RecordSyncError(ctx context.Context, id int64, code, message string) error

	GetErrorRecords(ctx context.Context, deviceID *uuid.UUID, limit int) ([]*models.AttendanceEvent, error)
	SyncStats(ctx context.Context, deviceID *uuid.UUID) (*models.SyncStats, error)
}

type CommandRepository interface {
	// Queue stores the command in the device's single slot, replacing any
	// undelivered one (last wins).
	Queue(ctx context.Context, serial, command string) error
	// Take removes and returns the pending command, or nil when the slot
	// is empty.
	Take(ctx context.Context, serial string) (*models.OutboundCommand, error)
}

type PresenceRepository interface {
	Touch(ctx context.Context, serial string) error
	Get(ctx context.Context, serial string) (*models.Presence, error)
}
