package connection

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies a live connection. It is generated at accept time and never reused.
type ID string

// NewID returns a fresh random connection id
func NewID() ID {
	return ID(uuid.New().String())
}

func (id ID) String() string {
	return string(id)
}

// State is the lifecycle state of a connection
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info describes one connection. It is owned and mutated only by its session;
// everybody else works with copies.
type Info struct {
	ID            ID        `json:"id"`
	App           string    `json:"app"`
	Profile       string    `json:"profile"`
	Label         string    `json:"label"`
	State         State     `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Key returns the app:profile:label key the connection was opened for
func (i Info) Key() string {
	return Key(i.App, i.Profile, i.Label)
}

// Advance moves the state forward. Back-edges and no-op transitions are refused.
func (i *Info) Advance(next State) bool {
	if next <= i.State {
		return false
	}
	i.State = next
	return true
}

// Key builds the canonical app:profile:label key
func Key(app, profile, label string) string {
	return app + ":" + profile + ":" + label
}

// Handle is the delivery handle other components use to reach a connection.
// It carries a snapshot of Info taken at registration time.
type Handle struct {
	ID     ID
	Info   Info
	Outbox *Outbox
}
