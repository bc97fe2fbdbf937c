package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/models"
	"github.com/openclock/attendsync/internal/repositories"
)

const errorReportLimit = 500

// SyncService reconciles stored attendance against the upstream system. Per
// user and date only two events matter upstream: the earliest check-in and
// the latest check-out. Everything else the user punched that day is
// skip-marked once a representative syncs.
type SyncService struct {
	attendance repositories.AttendanceRepository
	users      repositories.UserRepository
	upstream   UpstreamSubmitter
	batchSize  int
}

func NewSyncService(
	attendance repositories.AttendanceRepository,
	users repositories.UserRepository,
	upstream UpstreamSubmitter,
	batchSize int,
) *SyncService {
	return &SyncService{
		attendance: attendance,
		users:      users,
		upstream:   upstream,
		batchSize:  batchSize,
	}
}

// SyncDaily reconciles one date, or every date with pending events when date
// is nil. A batch submission failure aborts the remaining run; already
// processed batches keep their new statuses.
func (s *SyncService) SyncDaily(ctx context.Context, date *time.Time, deviceID *uuid.UUID) *models.SyncRunResult {
	result := &models.SyncRunResult{}

	var dates []string
	if date != nil {
		dates = []string{date.Format("2006-01-02")}
	} else {
		var err error
		dates, err = s.attendance.GetPendingDates(ctx, deviceID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list pending dates: %v", err))
			return result
		}
	}

	for _, day := range dates {
		if err := s.syncDate(ctx, day, deviceID, false, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("date %s: %v", day, err))
			return result
		}
		result.DatesProcessed = append(result.DatesProcessed, day)
	}
	return result
}

// SyncFirstCheckins forwards only the check-in side of the date's summaries,
// so upstream sees arrivals during the day without waiting for the nightly
// run. A nil date means today.
func (s *SyncService) SyncFirstCheckins(ctx context.Context, date *time.Time, deviceID *uuid.UUID) *models.SyncRunResult {
	result := &models.SyncRunResult{}
	target := time.Now()
	if date != nil {
		target = *date
	}
	day := target.Format("2006-01-02")

	if err := s.syncDate(ctx, day, deviceID, true, result); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("date %s: %v", day, err))
		return result
	}
	result.DatesProcessed = append(result.DatesProcessed, day)
	return result
}

func (s *SyncService) syncDate(ctx context.Context, day string, deviceID *uuid.UUID, checkinsOnly bool, result *models.SyncRunResult) error {
	date, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	summaries, err := s.computeDailySummaries(ctx, date, deviceID)
	if err != nil {
		return err
	}

	if checkinsOnly {
		for _, sum := range summaries {
			sum.LastCheckout = nil
			sum.LastCheckoutID = 0
		}
	}

	// Only users mapped upstream, and only summaries with something left to
	// forward after the dedup guard.
	var eligible []*models.DailyUserSummary
	for _, sum := range summaries {
		if sum.ExternalUserID <= 0 {
			continue
		}
		if sum.FirstCheckin == nil && sum.LastCheckout == nil {
			continue
		}
		eligible = append(eligible, sum)
	}
	result.Count += len(eligible)

	// One submission per device serial; upstream identifies the sender per
	// request.
	bySerial := make(map[string][]*models.DailyUserSummary)
	var serials []string
	for _, sum := range eligible {
		if _, ok := bySerial[sum.DeviceSerial]; !ok {
			serials = append(serials, sum.DeviceSerial)
		}
		bySerial[sum.DeviceSerial] = append(bySerial[sum.DeviceSerial], sum)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		group := bySerial[serial]
		for start := 0; start < len(group); start += s.batchSize {
			end := start + s.batchSize
			if end > len(group) {
				end = len(group)
			}
			if err := s.submitBatch(ctx, day, serial, group[start:end], deviceID, result); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SyncService) submitBatch(ctx context.Context, day, serial string, summaries []*models.DailyUserSummary, deviceID *uuid.UUID, result *models.SyncRunResult) error {
	batch := make([]CheckinRecord, 0, len(summaries))
	byOperation := make(map[int64]*models.DailyUserSummary, len(summaries))

	for _, sum := range summaries {
		rec := CheckinRecord{
			EmployeeID:    sum.ExternalUserID,
			FirstCheckin:  formatUpstreamTime(sum.FirstCheckin),
			LastCheckout:  formatUpstreamTime(sum.LastCheckout),
			FirstRecordID: sum.FirstCheckinID,
			LastRecordID:  sum.LastCheckoutID,
		}
		// The operation id echoed back in the ack is the id of the
		// summary's leading record.
		rec.ID = sum.FirstCheckinID
		if rec.ID == 0 {
			rec.ID = sum.LastCheckoutID
		}
		byOperation[rec.ID] = sum
		batch = append(batch, rec)
	}

	ack, err := s.upstream.SubmitCheckins(ctx, day, serial, batch)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}

	s.processAck(ctx, day, byOperation, ack, deviceID, result)
	return nil
}

// processAck applies an upstream acknowledgement: acked operations mark
// their summary's records synced and skip-mark same-day siblings; rejected
// records get their error recorded for the report and retry ceiling.
func (s *SyncService) processAck(ctx context.Context, day string, byOperation map[int64]*models.DailyUserSummary, ack *UpstreamResult, deviceID *uuid.UUID, result *models.SyncRunResult) {
	for _, op := range ack.SuccessOperations {
		sum, ok := byOperation[op.OperationID]
		if !ok {
			slog.Warn("ack for unknown operation", "operation_id", op.OperationID)
			continue
		}

		if sum.FirstCheckinID != 0 {
			s.markSlotSynced(ctx, day, sum, sum.FirstCheckinID, models.ActionCheckIn, deviceID, result)
		}
		if sum.LastCheckoutID != 0 {
			s.markSlotSynced(ctx, day, sum, sum.LastCheckoutID, models.ActionCheckOut, deviceID, result)
		}
	}

	for _, recErr := range ack.Errors {
		if recErr.RecordID != 0 {
			if err := s.attendance.RecordSyncError(ctx, recErr.RecordID, recErr.ErrorCode, recErr.ErrorMessage); err != nil {
				slog.Error("failed to record sync error", "record_id", recErr.RecordID, "error", err)
			}
		}
		result.Errors = append(result.Errors,
			fmt.Sprintf("user %s %s: [%s] %s", recErr.UserID, recErr.Operation, recErr.ErrorCode, recErr.ErrorMessage))
	}
}

// markSlotSynced transitions a representative to synced and skip-marks its
// same-day siblings. Sibling and dedup scope follow the run's device filter,
// not the summary's device: an unfiltered run covers all devices.
func (s *SyncService) markSlotSynced(ctx context.Context, day string, sum *models.DailyUserSummary, recordID int64, action int, deviceID *uuid.UUID, result *models.SyncRunResult) {
	if err := s.attendance.MarkSynced(ctx, recordID); err != nil {
		slog.Error("failed to mark record synced", "record_id", recordID, "error", err)
		return
	}
	result.SyncedRecords++

	siblings, err := s.attendance.OtherPendingForDateAction(ctx, sum.UserID, day, action, recordID, deviceID)
	if err != nil {
		slog.Error("failed to list sibling records", "record_id", recordID, "error", err)
		return
	}
	if len(siblings) > 0 {
		if _, err := s.attendance.MarkSkipped(ctx, siblings); err != nil {
			slog.Error("failed to skip sibling records", "record_id", recordID, "error", err)
		}
	}
}

// computeDailySummaries groups the date's pending events per user and picks
// the representatives: earliest check-in (ties broken by lowest id) and
// latest check-out (ties broken by highest id). Slots whose action already
// synced on the date are cleared, so re-runs never resend.
func (s *SyncService) computeDailySummaries(ctx context.Context, date time.Time, deviceID *uuid.UUID) ([]*models.DailyUserSummary, error) {
	events, err := s.attendance.GetPendingByDate(ctx, date, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	day := date.Format("2006-01-02")
	byUser := make(map[string]*models.DailyUserSummary)
	var order []string

	for _, ev := range events {
		sum, ok := byUser[ev.UserID]
		if !ok {
			devID := ev.DeviceID
			sum = &models.DailyUserSummary{
				UserID:       ev.UserID,
				Date:         day,
				DeviceID:     &devID,
				DeviceSerial: ev.SerialNumber,
			}
			byUser[ev.UserID] = sum
			order = append(order, ev.UserID)
		}

		switch ev.Action {
		case models.ActionCheckIn:
			sum.TotalCheckins++
			if sum.FirstCheckin == nil || ev.Timestamp.Before(*sum.FirstCheckin) ||
				(ev.Timestamp.Equal(*sum.FirstCheckin) && ev.ID < sum.FirstCheckinID) {
				ts := ev.Timestamp
				sum.FirstCheckin = &ts
				sum.FirstCheckinID = ev.ID
			}
		case models.ActionCheckOut:
			sum.TotalCheckouts++
			if sum.LastCheckout == nil || ev.Timestamp.After(*sum.LastCheckout) ||
				(ev.Timestamp.Equal(*sum.LastCheckout) && ev.ID > sum.LastCheckoutID) {
				ts := ev.Timestamp
				sum.LastCheckout = &ts
				sum.LastCheckoutID = ev.ID
			}
		}
	}

	summaries := make([]*models.DailyUserSummary, 0, len(order))
	for _, userID := range order {
		sum := byUser[userID]
		if sum.FirstCheckin == nil && sum.LastCheckout == nil {
			continue
		}

		if err := s.attachUser(ctx, sum); err != nil {
			slog.Warn("user lookup failed", "user_id", sum.UserID, "error", err)
		}
		if err := s.applyDedupGuard(ctx, day, sum, deviceID); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

func (s *SyncService) attachUser(ctx context.Context, sum *models.DailyUserSummary) error {
	user, err := s.users.GetByUserID(ctx, sum.UserID, sum.DeviceSerial)
	if err != nil {
		return err
	}
	sum.Name = user.Name
	sum.ExternalUserID = user.ExternalUserID
	return nil
}

// applyDedupGuard clears summary slots whose (user, date, action) already
// has a synced record, from this run or any earlier one. The check uses the
// run's device filter: an unfiltered run treats a sync from any device as
// already forwarded, so one (user, date, action) never goes upstream twice
// just because the punches landed on different terminals.
func (s *SyncService) applyDedupGuard(ctx context.Context, day string, sum *models.DailyUserSummary, deviceID *uuid.UUID) error {
	if sum.FirstCheckin != nil {
		synced, err := s.attendance.HasSyncedForDateAction(ctx, sum.UserID, day, models.ActionCheckIn, deviceID)
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if synced {
			sum.FirstCheckin = nil
			sum.FirstCheckinID = 0
		}
	}
	if sum.LastCheckout != nil {
		synced, err := s.attendance.HasSyncedForDateAction(ctx, sum.UserID, day, models.ActionCheckOut, deviceID)
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if synced {
			sum.LastCheckout = nil
			sum.LastCheckoutID = 0
		}
	}
	return nil
}

// RetryErrorRecords resets errored events to pending and reruns the daily
// sync for each affected date. The reset clears error counts, so records
// past the automatic ceiling get a fresh budget.
func (s *SyncService) RetryErrorRecords(ctx context.Context, deviceID *uuid.UUID) *models.SyncRunResult {
	result := &models.SyncRunResult{}

	records, err := s.attendance.GetErrorRecords(ctx, deviceID, errorReportLimit)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load error records: %v", err))
		return result
	}

	seen := make(map[string]bool)
	var dates []string
	for _, rec := range records {
		if err := s.attendance.MarkPending(ctx, rec.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reset record %d: %v", rec.ID, err))
			continue
		}
		if day := rec.Date(); !seen[day] {
			seen[day] = true
			dates = append(dates, day)
		}
	}
	sort.Strings(dates)

	for _, day := range dates {
		if err := s.syncDate(ctx, day, deviceID, false, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("date %s: %v", day, err))
			return result
		}
		result.DatesProcessed = append(result.DatesProcessed, day)
	}
	return result
}

// ErrorReport groups failed records by upstream error code for operators.
func (s *SyncService) ErrorReport(ctx context.Context, deviceID *uuid.UUID) (*models.ErrorReport, error) {
	records, err := s.attendance.GetErrorRecords(ctx, deviceID, errorReportLimit)
	if err != nil {
		return nil, fmt.Errorf("load error records: %w", err)
	}

	stats, err := s.attendance.SyncStats(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load sync stats: %w", err)
	}

	report := &models.ErrorReport{
		TotalErrorRecords: len(records),
		Groups:            make(map[string]*models.ErrorGroup),
		Stats:             stats,
	}

	for _, rec := range records {
		code := "unknown"
		if rec.ErrorCode != nil && *rec.ErrorCode != "" {
			code = *rec.ErrorCode
		}
		group, ok := report.Groups[code]
		if !ok {
			group = &models.ErrorGroup{}
			if rec.ErrorMessage != nil {
				group.SampleMessage = *rec.ErrorMessage
			}
			report.Groups[code] = group
		}
		group.Count++
		group.Records = append(group.Records, rec)
	}
	return report, nil
}

func (s *SyncService) Stats(ctx context.Context, deviceID *uuid.UUID) (*models.SyncStats, error) {
	return s.attendance.SyncStats(ctx, deviceID)
}
