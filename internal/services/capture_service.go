package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/models"
	"github.com/openclock/attendsync/internal/repositories"
	"github.com/openclock/attendsync/internal/transport"
)

var ErrFleetCeiling = errors.New("max concurrent devices reached")

// A worker gives up after this many consecutive failed reconnect cycles.
const maxConsecutiveFailures = 5

// HealthMonitor accumulates per-device connection counters for the process
// lifetime. Counters are informational and never gate start decisions.
type HealthMonitor struct {
	mu    sync.Mutex
	stats map[uuid.UUID]*models.DeviceHealthStats
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{stats: make(map[uuid.UUID]*models.DeviceHealthStats)}
}

func (m *HealthMonitor) get(id uuid.UUID) *models.DeviceHealthStats {
	st, ok := m.stats[id]
	if !ok {
		st = &models.DeviceHealthStats{DeviceID: id}
		m.stats[id] = st
	}
	return st
}

func (m *HealthMonitor) RecordConnection(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(id)
	st.Connections++
	now := time.Now()
	st.LastConnected = &now
}

func (m *HealthMonitor) RecordDisconnection(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(id).Disconnections++
}

func (m *HealthMonitor) RecordError(id uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(id)
	st.Errors++
	st.LastError = &models.LastError{Time: time.Now(), Message: err.Error()}
}

func (m *HealthMonitor) Stats(id uuid.UUID) *models.DeviceHealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := *m.get(id)
	return &st
}

func (m *HealthMonitor) AllStats() map[uuid.UUID]*models.DeviceHealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*models.DeviceHealthStats, len(m.stats))
	for id, st := range m.stats {
		copied := *st
		out[id] = &copied
	}
	return out
}

func (m *HealthMonitor) IsHealthy(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id).Healthy()
}

type captureWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// CaptureService runs one background worker per pull device, reading live
// punches and persisting them.
type CaptureService struct {
	supervisor *ConnectionSupervisor
	devices    repositories.DeviceRepository
	attendance repositories.AttendanceRepository
	stream     *EventStream
	health     *HealthMonitor

	maxConcurrent  int
	readTimeout    time.Duration
	reconnectDelay time.Duration
	stopWait       time.Duration

	mu      sync.Mutex
	workers map[uuid.UUID]*captureWorker
}

func NewCaptureService(
	supervisor *ConnectionSupervisor,
	devices repositories.DeviceRepository,
	attendance repositories.AttendanceRepository,
	stream *EventStream,
	health *HealthMonitor,
	maxConcurrent int,
	readTimeout, reconnectDelay, stopWait time.Duration,
) *CaptureService {
	return &CaptureService{
		supervisor:     supervisor,
		devices:        devices,
		attendance:     attendance,
		stream:         stream,
		health:         health,
		maxConcurrent:  maxConcurrent,
		readTimeout:    readTimeout,
		reconnectDelay: reconnectDelay,
		stopWait:       stopWait,
		workers:        make(map[uuid.UUID]*captureWorker),
	}
}

// Start launches a capture worker for the device. Returns (false, nil) if
// one is already running, and ErrFleetCeiling when the concurrency limit is
// reached.
func (s *CaptureService) Start(deviceID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.workers[deviceID]; running {
		return false, nil
	}
	if len(s.workers) >= s.maxConcurrent {
		return false, ErrFleetCeiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := &captureWorker{cancel: cancel, done: make(chan struct{})}
	s.workers[deviceID] = worker

	go s.run(ctx, deviceID, worker)

	slog.Info("capture worker started", "device_id", deviceID)
	return true, nil
}

func (s *CaptureService) run(ctx context.Context, deviceID uuid.UUID, worker *captureWorker) {
	defer close(worker.done)
	defer s.remove(deviceID, worker)

	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		slog.Error("capture worker: device lookup failed", "device_id", deviceID, "error", err)
		return
	}
	if device.DeviceType != models.DeviceTypePull || !device.IsActive {
		slog.Warn("capture worker: device not capturable",
			"device_id", deviceID, "type", device.DeviceType, "active", device.IsActive)
		return
	}

	s.supervisor.Configure(device)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := s.supervisor.Acquire(ctx, deviceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.health.RecordError(deviceID, err)
			failures++
			if failures >= maxConsecutiveFailures {
				slog.Error("capture worker giving up",
					"device_id", deviceID, "consecutive_failures", failures)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		s.health.RecordConnection(deviceID)
		if err := session.Enable(ctx); err != nil {
			s.health.RecordError(deviceID, err)
			s.supervisor.Release(deviceID)
			continue
		}
		failures = 0

		err = s.captureLoop(ctx, device, session)
		s.health.RecordDisconnection(deviceID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.health.RecordError(deviceID, err)
			slog.Warn("capture loop ended, reconnecting",
				"device_id", deviceID, "error", err)
		}
		s.supervisor.Release(deviceID)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// captureLoop reads live events until the context is cancelled or the
// session fails. Read timeouts just mean no one punched; keep polling.
func (s *CaptureService) captureLoop(ctx context.Context, device *models.Device, session transport.Session) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		punch, err := session.ReadEvent(ctx, s.readTimeout)
		if errors.Is(err, transport.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if punch == nil {
			continue
		}

		if err := s.storePunch(ctx, device, punch); err != nil {
			slog.Error("failed to store punch",
				"device_id", device.ID, "user_id", punch.UserID, "error", err)
		}
	}
}

func (s *CaptureService) storePunch(ctx context.Context, device *models.Device, punch *transport.PunchEvent) error {
	ts := punch.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	action, err := resolveAction(ctx, s.attendance, punch.UserID, device.ID, punch.Status, ts)
	if err != nil {
		return err
	}

	event := &models.AttendanceEvent{
		UserID:         punch.UserID,
		DeviceID:       device.ID,
		SerialNumber:   device.SerialNumber,
		Timestamp:      ts,
		Method:         punch.Verify,
		Action:         action,
		OriginalStatus: punch.Status,
	}

	inserted, err := s.attendance.Insert(ctx, event)
	if err != nil {
		return err
	}
	if inserted {
		s.stream.Publish(event)
	}
	return nil
}

func (s *CaptureService) remove(deviceID uuid.UUID, worker *captureWorker) {
	s.mu.Lock()
	if s.workers[deviceID] == worker {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()
}

// Stop cancels the device's worker and waits up to the stop timeout for it
// to drain. The registry slot frees immediately, so a restart never blocks
// on the old worker.
func (s *CaptureService) Stop(deviceID uuid.UUID) bool {
	s.mu.Lock()
	worker, ok := s.workers[deviceID]
	if ok {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	worker.cancel()
	select {
	case <-worker.done:
	case <-time.After(s.stopWait):
		slog.Warn("capture worker did not stop in time", "device_id", deviceID)
	}
	return true
}

// StopAll stops every running worker. Used on shutdown.
func (s *CaptureService) StopAll() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// StartAll starts capture on every active pull device, reporting which
// devices started, which hit the fleet ceiling, and which were already
// running.
func (s *CaptureService) StartAll(ctx context.Context) (*models.StartAllReport, error) {
	devices, err := s.devices.ListActivePull(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pull devices: %w", err)
	}

	report := &models.StartAllReport{}
	for _, device := range devices {
		started, err := s.Start(device.ID)
		switch {
		case errors.Is(err, ErrFleetCeiling):
			report.Rejected = append(report.Rejected, device.ID)
		case err != nil:
			report.Rejected = append(report.Rejected, device.ID)
		case started:
			report.Started = append(report.Started, device.ID)
		default:
			report.Skipped = append(report.Skipped, device.ID)
		}
	}
	return report, nil
}

// EnsureCapturing restarts workers for active pull devices that have none.
// The scheduler calls this periodically so crashed workers come back.
func (s *CaptureService) EnsureCapturing(ctx context.Context) {
	devices, err := s.devices.ListActivePull(ctx)
	if err != nil {
		slog.Error("capture watchdog: list devices failed", "error", err)
		return
	}

	for _, device := range devices {
		if s.IsRunning(device.ID) {
			continue
		}
		started, err := s.Start(device.ID)
		if err != nil {
			slog.Warn("capture watchdog: start failed", "device_id", device.ID, "error", err)
			continue
		}
		if started {
			slog.Info("capture watchdog restarted worker", "device_id", device.ID)
		}
	}
}

func (s *CaptureService) IsRunning(deviceID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[deviceID]
	return ok
}

func (s *CaptureService) Status() *models.CaptureStatus {
	s.mu.Lock()
	active := make([]uuid.UUID, 0, len(s.workers))
	for id := range s.workers {
		active = append(active, id)
	}
	s.mu.Unlock()

	return &models.CaptureStatus{
		ActiveDevices: active,
		MaxConcurrent: s.maxConcurrent,
		DeviceStats:   s.health.AllStats(),
	}
}
