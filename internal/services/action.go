package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/models"
	"github.com/openclock/attendsync/internal/repositories"
)

// resolveAction maps a device-reported status to a stored action code.
// Devices that do not track punch direction report 255; the action is then
// derived from the user's previous event on the same day: no earlier event
// means check-in, otherwise alternate off the latest one.
func resolveAction(ctx context.Context, repo repositories.AttendanceRepository, userID string, deviceID uuid.UUID, status int, ts time.Time) (int, error) {
	if status != models.StatusUndefined {
		return status, nil
	}

	dayStart := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	prev, err := repo.GetLatestForUserBefore(ctx, userID, deviceID, dayStart, ts)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.ActionCheckIn, nil
	}
	if err != nil {
		return 0, err
	}

	if prev.Action == models.ActionCheckIn {
		return models.ActionCheckOut, nil
	}
	return models.ActionCheckIn, nil
}
