// Package transport defines the stateful session protocol spoken to pull
// devices and the wire codec for their live attendance frames. The session
// implementation itself is vendor-specific and injected; everything above it
// programs against these interfaces.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReadTimeout means no event frame arrived within the read window.
	// Workers treat it as "nothing yet" and poll again.
	ErrReadTimeout = errors.New("transport: read timed out")

	ErrNotConnected = errors.New("transport: session not connected")
)

// Config carries the parameters needed to open a session. Changing any of
// these invalidates an existing session.
type Config struct {
	IP       string
	Port     int
	Password int
	Timeout  time.Duration
	ForceUDP bool
}

// PunchEvent is one decoded live attendance event.
type PunchEvent struct {
	UserID    string
	Status    int // action code as reported; 255 = undefined
	Verify    int // verification method code
	Timestamp time.Time
}

// Session is a single connection to a pull device.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// IsConnected reports the transport's own view of the link; a false
	// value short-circuits any health check.
	IsConnected() bool
	Ping(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	// ReadEvent blocks up to timeout for the next live event. Frames that
	// carry no attendance payload yield ErrReadTimeout as well, so callers
	// simply loop.
	ReadEvent(ctx context.Context, timeout time.Duration) (*PunchEvent, error)
}

// Dialer creates sessions from registry config.
type Dialer interface {
	Dial(cfg Config) Session
}
