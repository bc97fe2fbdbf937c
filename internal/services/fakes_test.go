package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/models"
	"github.com/openclock/attendsync/internal/repositories"
	"github.com/openclock/attendsync/internal/transport"
)

// In-memory fakes of the repository interfaces, mirroring the SQL-side
// semantics closely enough for service-level tests.

type fakeAttendanceRepo struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*models.AttendanceEvent
}

func newFakeAttendanceRepo() *fakeAttendanceRepo {
	return &fakeAttendanceRepo{events: make(map[int64]*models.AttendanceEvent)}
}

func (r *fakeAttendanceRepo) Insert(_ context.Context, event *models.AttendanceEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.UserID == event.UserID && ev.DeviceID == event.DeviceID &&
			ev.Timestamp.Equal(event.Timestamp) && ev.Method == event.Method && ev.Action == event.Action {
			*event = *ev
			return false, nil
		}
	}

	r.nextID++
	event.ID = r.nextID
	event.SyncStatus = models.SyncPending
	event.CreatedAt = time.Now()
	stored := *event
	r.events[event.ID] = &stored
	return true, nil
}

func (r *fakeAttendanceRepo) GetByID(_ context.Context, id int64) (*models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *ev
	return &copied, nil
}

func (r *fakeAttendanceRepo) GetLatestForUserBefore(_ context.Context, userID string, deviceID uuid.UUID, from, before time.Time) (*models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *models.AttendanceEvent
	for _, ev := range r.events {
		if ev.UserID != userID || ev.DeviceID != deviceID {
			continue
		}
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(before) {
			continue
		}
		if latest == nil || ev.Timestamp.After(latest.Timestamp) ||
			(ev.Timestamp.Equal(latest.Timestamp) && ev.ID > latest.ID) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, repositories.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func sameDate(ts time.Time, date string) bool {
	return ts.Format("2006-01-02") == date
}

func matchesDevice(ev *models.AttendanceEvent, deviceID *uuid.UUID) bool {
	return deviceID == nil || ev.DeviceID == *deviceID
}

func (r *fakeAttendanceRepo) GetPendingByDate(_ context.Context, date time.Time, deviceID *uuid.UUID) ([]*models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := date.Format("2006-01-02")
	var out []*models.AttendanceEvent
	for _, ev := range r.events {
		if ev.SyncStatus != models.SyncPending || ev.ErrorCount >= 5 {
			continue
		}
		if !sameDate(ev.Timestamp, day) || !matchesDevice(ev, deviceID) {
			continue
		}
		copied := *ev
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *fakeAttendanceRepo) GetPendingDates(_ context.Context, deviceID *uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var dates []string
	for _, ev := range r.events {
		if ev.SyncStatus != models.SyncPending || ev.ErrorCount >= 5 || !matchesDevice(ev, deviceID) {
			continue
		}
		day := ev.Date()
		if !seen[day] {
			seen[day] = true
			dates = append(dates, day)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (r *fakeAttendanceRepo) HasSyncedForDateAction(_ context.Context, userID, date string, action int, deviceID *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.UserID == userID && ev.SyncStatus == models.SyncSynced && ev.Action == action &&
			sameDate(ev.Timestamp, date) && matchesDevice(ev, deviceID) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeAttendanceRepo) OtherPendingForDateAction(_ context.Context, userID, date string, action int, excludeID int64, deviceID *uuid.UUID) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64
	for _, ev := range r.events {
		if ev.UserID == userID && ev.SyncStatus == models.SyncPending && ev.Action == action &&
			ev.ID != excludeID && sameDate(ev.Timestamp, date) && matchesDevice(ev, deviceID) {
			ids = append(ids, ev.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeAttendanceRepo) MarkSynced(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	ev.SyncStatus = models.SyncSynced
	ev.SyncedAt = &now
	ev.ErrorCode = nil
	ev.ErrorMessage = nil
	return nil
}

func (r *fakeAttendanceRepo) MarkPending(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	ev.SyncStatus = models.SyncPending
	ev.SyncedAt = nil
	ev.ErrorCode = nil
	ev.ErrorMessage = nil
	ev.ErrorCount = 0
	return nil
}

func (r *fakeAttendanceRepo) MarkSkipped(_ context.Context, ids []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, id := range ids {
		if ev, ok := r.events[id]; ok && ev.SyncStatus == models.SyncPending {
			ev.SyncStatus = models.SyncSkipped
			n++
		}
	}
	return n, nil
}

func (r *fakeAttendanceRepo) RecordSyncError(_ context.Context, id int64, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	ev.SyncStatus = models.SyncError
	ev.ErrorCode = &code
	ev.ErrorMessage = &message
	ev.ErrorCount++
	return nil
}

func (r *fakeAttendanceRepo) GetErrorRecords(_ context.Context, deviceID *uuid.UUID, limit int) ([]*models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.AttendanceEvent
	for _, ev := range r.events {
		if ev.SyncStatus == models.SyncError && matchesDevice(ev, deviceID) {
			copied := *ev
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeAttendanceRepo) SyncStats(_ context.Context, deviceID *uuid.UUID) (*models.SyncStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &models.SyncStats{}
	for _, ev := range r.events {
		if !matchesDevice(ev, deviceID) {
			continue
		}
		stats.Total++
		switch ev.SyncStatus {
		case models.SyncPending:
			stats.Pending++
		case models.SyncSynced:
			stats.Synced++
		case models.SyncSkipped:
			stats.Skipped++
		case models.SyncError:
			stats.Error++
		}
	}
	return stats, nil
}

// status looks up the stored status for assertions.
func (r *fakeAttendanceRepo) status(id int64) models.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[id]; ok {
		return ev.SyncStatus
	}
	return ""
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User // keyed user_id|serial
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User)}
}

func userKey(userID, serial string) string { return userID + "|" + serial }

func (r *fakeUserRepo) Upsert(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userKey(user.UserID, user.SerialNumber)
	existing, ok := r.users[key]
	if !ok {
		user.ID = uuid.New()
		user.CreatedAt = time.Now()
		stored := *user
		r.users[key] = &stored
		return nil
	}
	existing.Name = user.Name
	existing.Privilege = user.Privilege
	existing.GroupID = user.GroupID
	if user.ExternalUserID > 0 {
		existing.ExternalUserID = user.ExternalUserID
	}
	*user = *existing
	return nil
}

func (r *fakeUserRepo) GetByUserID(_ context.Context, userID, serial string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userKey(userID, serial)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *fakeUserRepo) ListByDevice(_ context.Context, deviceID *uuid.UUID) ([]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.User
	for _, user := range r.users {
		if deviceID == nil || (user.DeviceID != nil && *user.DeviceID == *deviceID) {
			copied := *user
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[uuid.UUID]*models.Device)}
}

func (r *fakeDeviceRepo) add(device *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	r.devices[device.ID] = device
}

func (r *fakeDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *fakeDeviceRepo) GetBySerial(_ context.Context, serial string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, device := range r.devices {
		if device.SerialNumber == serial {
			copied := *device
			return &copied, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeDeviceRepo) ListActivePull(_ context.Context) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Device
	for _, device := range r.devices {
		if device.DeviceType == models.DeviceTypePull && device.IsActive {
			copied := *device
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeDeviceRepo) EnsurePushDevice(_ context.Context, serial string, meta *models.PushMeta) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, device := range r.devices {
		if device.SerialNumber == serial {
			copied := *device
			return &copied, nil
		}
	}

	device := &models.Device{
		ID:           uuid.New(),
		Name:         "Push Device " + serial,
		DeviceType:   models.DeviceTypePush,
		SerialNumber: serial,
		IsActive:     true,
		PushMeta:     meta,
		CreatedAt:    time.Now(),
	}
	r.devices[device.ID] = device
	copied := *device
	return &copied, nil
}

type fakeCommandRepo struct {
	mu    sync.Mutex
	slots map[string]*models.OutboundCommand
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{slots: make(map[string]*models.OutboundCommand)}
}

func (r *fakeCommandRepo) Queue(_ context.Context, serial, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[serial] = &models.OutboundCommand{
		SerialNumber: serial,
		Command:      command,
		QueuedAt:     time.Now(),
	}
	return nil
}

func (r *fakeCommandRepo) Take(_ context.Context, serial string) (*models.OutboundCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.slots[serial]
	if !ok {
		return nil, nil
	}
	delete(r.slots, serial)
	return cmd, nil
}

type fakePresenceRepo struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newFakePresenceRepo() *fakePresenceRepo {
	return &fakePresenceRepo{seen: make(map[string]time.Time)}
}

func (r *fakePresenceRepo) Touch(_ context.Context, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[serial] = time.Now()
	return nil
}

func (r *fakePresenceRepo) Get(_ context.Context, serial string) (*models.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.seen[serial]
	if !ok {
		return &models.Presence{SerialNumber: serial, Status: models.PresenceOffline}, nil
	}
	return &models.Presence{SerialNumber: serial, Status: models.PresenceOnline, LastSeen: last}, nil
}

// fakeUpstream scripts the upstream acknowledgement per submission.
type fakeUpstream struct {
	mu          sync.Mutex
	submissions [][]CheckinRecord
	respond     func(batch []CheckinRecord) (*UpstreamResult, error)
}

func ackAll(batch []CheckinRecord) (*UpstreamResult, error) {
	result := &UpstreamResult{}
	for _, rec := range batch {
		result.SuccessOperations = append(result.SuccessOperations, struct {
			OperationID int64 `json:"operationId"`
		}{OperationID: rec.ID})
	}
	return result, nil
}

func (u *fakeUpstream) SubmitCheckins(_ context.Context, date, serial string, batch []CheckinRecord) (*UpstreamResult, error) {
	u.mu.Lock()
	copied := make([]CheckinRecord, len(batch))
	copy(copied, batch)
	u.submissions = append(u.submissions, copied)
	respond := u.respond
	u.mu.Unlock()

	if respond == nil {
		respond = ackAll
	}
	return respond(batch)
}

func (u *fakeUpstream) submissionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.submissions)
}

// fakeSession scripts a pull-device session for supervisor and capture
// tests.
type fakeSession struct {
	mu sync.Mutex

	connectErrs int // fail this many Connects before succeeding
	pingErr     error
	enableErr   error

	connected   bool
	connects    int
	pings       int
	enables     int
	disconnects int

	events chan transport.PunchEvent
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.PunchEvent, 16)}
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErrs > 0 {
		s.connectErrs--
		return fmt.Errorf("connect refused")
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeSession) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enables++
	return s.enableErr
}

func (s *fakeSession) Disable(ctx context.Context) error { return nil }

func (s *fakeSession) ReadEvent(ctx context.Context, timeout time.Duration) (*transport.PunchEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-s.events:
		return &ev, nil
	case <-time.After(timeout):
		return nil, transport.ErrReadTimeout
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
}

// Dial hands out scripted sessions in order, repeating the last one.
func (d *fakeDialer) Dial(cfg transport.Config) transport.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s *fakeSession
	if d.dials < len(d.sessions) {
		s = d.sessions[d.dials]
	} else if len(d.sessions) > 0 {
		s = d.sessions[len(d.sessions)-1]
	} else {
		s = newFakeSession()
		d.sessions = append(d.sessions, s)
	}
	d.dials++
	return s
}
