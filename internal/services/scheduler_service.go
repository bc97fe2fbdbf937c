package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerService drives the recurring jobs: the nightly full
// reconciliation, the frequent first-check-in forwarder, and the capture
// watchdog. Each job is wrapped so a slow run skips the next tick instead
// of stacking.
type SchedulerService struct {
	cron    *cron.Cron
	sync    *SyncService
	capture *CaptureService

	dailySpec            string
	firstCheckinInterval time.Duration
	watchdogInterval     time.Duration
}

func NewSchedulerService(
	sync *SyncService,
	capture *CaptureService,
	dailySpec string,
	firstCheckinInterval, watchdogInterval time.Duration,
) *SchedulerService {
	return &SchedulerService{
		cron:                 cron.New(),
		sync:                 sync,
		capture:              capture,
		dailySpec:            dailySpec,
		firstCheckinInterval: firstCheckinInterval,
		watchdogInterval:     watchdogInterval,
	}
}

func (s *SchedulerService) Start() error {
	logger := cron.PrintfLogger(cronLogAdapter{})
	chain := cron.NewChain(cron.SkipIfStillRunning(logger), cron.Recover(logger))

	if _, err := s.cron.AddJob(s.dailySpec, chain.Then(cron.FuncJob(s.runDailySync))); err != nil {
		return fmt.Errorf("schedule daily sync: %w", err)
	}
	if _, err := s.cron.AddJob(every(s.firstCheckinInterval), chain.Then(cron.FuncJob(s.runFirstCheckinSync))); err != nil {
		return fmt.Errorf("schedule first-checkin sync: %w", err)
	}
	if _, err := s.cron.AddJob(every(s.watchdogInterval), chain.Then(cron.FuncJob(s.runCaptureWatchdog))); err != nil {
		return fmt.Errorf("schedule capture watchdog: %w", err)
	}

	s.cron.Start()
	slog.Info("scheduler started",
		"daily_spec", s.dailySpec,
		"first_checkin_interval", s.firstCheckinInterval,
		"watchdog_interval", s.watchdogInterval)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

func (s *SchedulerService) runDailySync() {
	result := s.sync.SyncDaily(context.Background(), nil, nil)
	slog.Info("daily sync completed",
		"dates", result.DatesProcessed,
		"records", result.Count,
		"synced", result.SyncedRecords,
		"errors", len(result.Errors))
}

func (s *SchedulerService) runFirstCheckinSync() {
	result := s.sync.SyncFirstCheckins(context.Background(), nil, nil)
	if result.SyncedRecords > 0 || len(result.Errors) > 0 {
		slog.Info("first-checkin sync completed",
			"synced", result.SyncedRecords,
			"errors", len(result.Errors))
	}
}

func (s *SchedulerService) runCaptureWatchdog() {
	s.capture.EnsureCapturing(context.Background())
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

type cronLogAdapter struct{}

func (cronLogAdapter) Printf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...))
}
