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
	"github.com/openclock/attendsync/internal/transport"
)

var ErrDeviceNotConfigured = errors.New("device not configured")

type deviceState struct {
	cfg      transport.Config
	interval time.Duration // min gap between health pings
	retries  int
	delay    time.Duration

	session  transport.Session
	lastPing time.Time
}

// ConnectionSupervisor owns at most one session per device and serializes
// all session access behind a per-device lock, so capture workers and
// on-demand operations never trample each other mid-command.
type ConnectionSupervisor struct {
	dialer transport.Dialer

	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	states map[uuid.UUID]*deviceState
}

func NewConnectionSupervisor(dialer transport.Dialer) *ConnectionSupervisor {
	return &ConnectionSupervisor{
		dialer: dialer,
		locks:  make(map[uuid.UUID]*sync.Mutex),
		states: make(map[uuid.UUID]*deviceState),
	}
}

func (s *ConnectionSupervisor) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Configure registers or updates a device's connection parameters. An
// unchanged config is a no-op. Changing an address-level field (ip, port,
// password, timeout, transport mode) tears down any existing session;
// tuning-only changes (ping interval, retry budget) apply in place.
func (s *ConnectionSupervisor) Configure(device *models.Device) {
	lock := s.lockFor(device.ID)
	lock.Lock()
	defer lock.Unlock()

	cfg := transport.Config{
		IP:       device.IP,
		Port:     device.Port,
		Password: device.Password,
		Timeout:  time.Duration(device.Timeout) * time.Second,
		ForceUDP: device.ForceUDP,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[device.ID]
	if !ok {
		s.states[device.ID] = &deviceState{
			cfg:      cfg,
			interval: time.Duration(device.PingInterval) * time.Second,
			retries:  device.RetryCount,
			delay:    time.Duration(device.RetryDelay) * time.Second,
		}
		return
	}

	if state.cfg != cfg {
		if state.session != nil {
			state.session.Disconnect()
			state.session = nil
		}
		state.cfg = cfg
		state.lastPing = time.Time{}
	}
	state.interval = time.Duration(device.PingInterval) * time.Second
	state.retries = device.RetryCount
	state.delay = time.Duration(device.RetryDelay) * time.Second
}

func (s *ConnectionSupervisor) state(id uuid.UUID) (*deviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// Acquire returns a live session for the device, reusing a healthy one or
// dialing a fresh one within the device's retry budget. Health pings are
// throttled to the configured interval so hot paths do not ping on every
// call.
func (s *ConnectionSupervisor) Acquire(ctx context.Context, id uuid.UUID) (transport.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, ok := s.state(id)
	if !ok {
		return nil, ErrDeviceNotConfigured
	}

	if st.session != nil && s.sessionHealthy(ctx, st) {
		return st.session, nil
	}

	if st.session != nil {
		st.session.Disconnect()
		st.session = nil
	}

	session := s.dialer.Dial(st.cfg)
	attempts := st.retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := session.Connect(ctx); err != nil {
			lastErr = err
			slog.Warn("device connect failed",
				"device_id", id, "attempt", i+1, "error", err)
			if i < attempts-1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(st.delay):
				}
			}
			continue
		}
		st.session = session
		st.lastPing = time.Now()
		return session, nil
	}

	return nil, fmt.Errorf("connect after %d attempts: %w", attempts, lastErr)
}

func (s *ConnectionSupervisor) sessionHealthy(ctx context.Context, st *deviceState) bool {
	if !st.session.IsConnected() {
		return false
	}
	if time.Since(st.lastPing) < st.interval {
		return true
	}
	if err := st.session.Ping(ctx); err != nil {
		return false
	}
	st.lastPing = time.Now()
	return true
}

// Ensure verifies the session is actually responsive before a critical
// operation: an unconditional ping plus re-enable, reconnecting on any
// failure. Unlike Acquire's health check, Ensure never trusts a recent ping.
func (s *ConnectionSupervisor) Ensure(ctx context.Context, id uuid.UUID) (transport.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()

	st, ok := s.state(id)
	if ok && st.session != nil && st.session.IsConnected() {
		if err := st.session.Ping(ctx); err == nil {
			if err := st.session.Enable(ctx); err == nil {
				st.lastPing = time.Now()
				lock.Unlock()
				return st.session, nil
			}
		}
		st.session.Disconnect()
		st.session = nil
	}
	lock.Unlock()

	session, err := s.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := session.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enable device: %w", err)
	}
	return session, nil
}

// Release disconnects and forgets the device's session. Config stays
// registered.
func (s *ConnectionSupervisor) Release(id uuid.UUID) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok && st.session != nil {
		st.session.Disconnect()
		st.session = nil
	}
}

// ReleaseAll tears down every session. Called on shutdown.
func (s *ConnectionSupervisor) ReleaseAll() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Release(id)
	}
}

func (s *ConnectionSupervisor) IsConnected(id uuid.UUID) bool {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, ok := s.state(id)
	return ok && st.session != nil && st.session.IsConnected()
}
