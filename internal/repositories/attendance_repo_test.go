package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/openclock/attendsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAttendanceRepository_Insert_Duplicate tests that re-ingesting the same
// punch tuple is absorbed instead of duplicated.
func TestAttendanceRepository_Insert_Duplicate(t *testing.T) {
	// ARRANGE
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	ts := time.Date(2026, 8, 20, 8, 15, 0, 0, time.Local)

	// ACT: insert the same punch twice
	first := testEvent(device, "1001", ts, models.ActionCheckIn)
	inserted, err := repo.Insert(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted, "first insert should be new")
	require.NotZero(t, first.ID)

	second := testEvent(device, "1001", ts, models.ActionCheckIn)
	inserted, err = repo.Insert(ctx, second)

	// ASSERT: duplicate absorbed, original identity returned
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate must not create a row")
	assert.Equal(t, first.ID, second.ID, "duplicate resolves to the existing row")
	assert.Equal(t, models.SyncPending, second.SyncStatus)
}

func TestAttendanceRepository_GetPendingByDate_Ordering(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	_, err := repo.Insert(ctx, testEvent(device, "B", day.Add(9*time.Hour), models.ActionCheckIn))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, testEvent(device, "A", day.Add(10*time.Hour), models.ActionCheckIn))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, testEvent(device, "A", day.Add(8*time.Hour), models.ActionCheckIn))
	require.NoError(t, err)
	// Event on another day must not appear.
	_, err = repo.Insert(ctx, testEvent(device, "A", day.AddDate(0, 0, 1), models.ActionCheckIn))
	require.NoError(t, err)

	events, err := repo.GetPendingByDate(ctx, day, &device.ID)

	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "A", events[0].UserID)
	assert.Equal(t, 8, events[0].Timestamp.Hour(), "user A's earliest first")
	assert.Equal(t, "A", events[1].UserID)
	assert.Equal(t, "B", events[2].UserID)
}

// TestAttendanceRepository_ErrorCeiling tests that five recorded failures
// hide a record from pending queries without deleting it.
func TestAttendanceRepository_ErrorCeiling(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	event := testEvent(device, "1001", day.Add(8*time.Hour), models.ActionCheckIn)
	_, err := repo.Insert(ctx, event)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordSyncError(ctx, event.ID, "TIMEOUT", "upstream timeout"))
		if i < 4 {
			// Put it back in the pending pool without clearing the count,
			// the state a failed automatic retry leaves behind.
			_, err := pool.Exec(ctx,
				`UPDATE attendance_events SET sync_status = 'pending' WHERE id = $1`, event.ID)
			require.NoError(t, err)
		}
	}

	dates, err := repo.GetPendingDates(ctx, &device.ID)
	require.NoError(t, err)
	assert.Empty(t, dates, "record past the ceiling stays out of pending queries")

	errored, err := repo.GetErrorRecords(ctx, &device.ID, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, 5, errored[0].ErrorCount)

	// MarkPending resets the budget completely.
	require.NoError(t, repo.MarkPending(ctx, event.ID))
	dates, err = repo.GetPendingDates(ctx, &device.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-20"}, dates)
}

func TestAttendanceRepository_SyncedDedupGuard(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	event := testEvent(device, "1001", day.Add(8*time.Hour), models.ActionCheckIn)
	_, err := repo.Insert(ctx, event)
	require.NoError(t, err)

	synced, err := repo.HasSyncedForDateAction(ctx, "1001", "2026-08-20", models.ActionCheckIn, &device.ID)
	require.NoError(t, err)
	assert.False(t, synced)

	require.NoError(t, repo.MarkSynced(ctx, event.ID))

	synced, err = repo.HasSyncedForDateAction(ctx, "1001", "2026-08-20", models.ActionCheckIn, &device.ID)
	require.NoError(t, err)
	assert.True(t, synced)

	// Different action on the same date is not guarded.
	synced, err = repo.HasSyncedForDateAction(ctx, "1001", "2026-08-20", models.ActionCheckOut, &device.ID)
	require.NoError(t, err)
	assert.False(t, synced)
}

func TestAttendanceRepository_SkipSiblings(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	kept := testEvent(device, "1001", day.Add(8*time.Hour), models.ActionCheckIn)
	_, err := repo.Insert(ctx, kept)
	require.NoError(t, err)
	sib1 := testEvent(device, "1001", day.Add(9*time.Hour), models.ActionCheckIn)
	_, err = repo.Insert(ctx, sib1)
	require.NoError(t, err)
	sib2 := testEvent(device, "1001", day.Add(10*time.Hour), models.ActionCheckIn)
	_, err = repo.Insert(ctx, sib2)
	require.NoError(t, err)

	require.NoError(t, repo.MarkSynced(ctx, kept.ID))

	ids, err := repo.OtherPendingForDateAction(ctx, "1001", "2026-08-20", models.ActionCheckIn, kept.ID, &device.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{sib1.ID, sib2.ID}, ids)

	n, err := repo.MarkSkipped(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := repo.SyncStats(ctx, &device.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 0, stats.Pending)
}

func TestAttendanceRepository_GetLatestForUserBefore(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAttendanceRepository(pool)
	ctx := context.Background()
	device := setupTestDevice(t, ctx, pool)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	_, err := repo.Insert(ctx, testEvent(device, "1001", day.Add(8*time.Hour), models.ActionCheckIn))
	require.NoError(t, err)
	latest := testEvent(device, "1001", day.Add(12*time.Hour), models.ActionCheckOut)
	_, err = repo.Insert(ctx, latest)
	require.NoError(t, err)

	got, err := repo.GetLatestForUserBefore(ctx, "1001", device.ID, day, day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)

	// Nothing before 08:00.
	_, err = repo.GetLatestForUserBefore(ctx, "1001", device.ID, day, day.Add(7*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}
