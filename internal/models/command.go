package models

import "time"

// OutboundCommand waits in a single per-device slot until the device polls.
// Queueing a second command before the poll replaces the first (last wins).
type OutboundCommand struct {
	SerialNumber string    `json:"serial_number"`
	Command      string    `json:"command"`
	QueuedAt     time.Time `json:"queued_at"`
}

// Presence tracks when a push device last contacted the server. It expires
// on its own; an expired key means the device is offline.
type Presence struct {
	SerialNumber string    `json:"serial_number"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)
