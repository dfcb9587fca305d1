// Package protocol defines the JSON messages exchanged over a config stream
// connection. Every message carries a "type" discriminator; timestamps are
// Unix milliseconds.
package protocol

import (
	"time"

	"github.com/amoylab/cfgstream/pkg/jsondiff"
)

// MessageType discriminates wire messages
type MessageType string

// Server to client
const (
	TypeConfigSnapshot    MessageType = "config_snapshot"
	TypeConfigChange      MessageType = "config_change"
	TypePing              MessageType = "ping"
	TypeError             MessageType = "error"
	TypeConnectionClosing MessageType = "connection_closing"
	TypeReconnectInfo     MessageType = "reconnect_info"
)

// Client to server
const (
	TypePong        MessageType = "pong"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeResync      MessageType = "resync"
)

// Error codes sent in ErrorMessage.Code
const (
	CodeInvalidMessage    = "invalid_message"
	CodeInvalidPattern    = "invalid_pattern"
	CodeUnknownType       = "unknown_type"
	CodeRateLimited       = "rate_limited"
	CodeConfigUnavailable = "config_unavailable"
)

// Reasons sent in ConnectionClosing.Reason
const (
	ReasonShutdown         = "server_shutdown"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConfigError      = "config_unavailable"
)

// Millis converts t to Unix milliseconds
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ConfigSnapshot carries a full configuration document
type ConfigSnapshot struct {
	Type      MessageType `json:"type"`
	App       string      `json:"app"`
	Profile   string      `json:"profile"`
	Label     string      `json:"label"`
	Config    any         `json:"config"`
	Version   string      `json:"version"`
	Timestamp int64       `json:"timestamp"`
}

func NewConfigSnapshot(app, profile, label string, config any, version string, at time.Time) *ConfigSnapshot {
	return &ConfigSnapshot{
		Type:      TypeConfigSnapshot,
		App:       app,
		Profile:   profile,
		Label:     label,
		Config:    config,
		Version:   version,
		Timestamp: Millis(at),
	}
}

// ConfigChange carries the patch that turns OldVersion into NewVersion.
// Diff is never null; a no-op change has an empty list.
type ConfigChange struct {
	Type       MessageType          `json:"type"`
	App        string               `json:"app"`
	Profile    string               `json:"profile"`
	Label      string               `json:"label"`
	Diff       []jsondiff.Operation `json:"diff"`
	OldVersion string               `json:"old_version"`
	NewVersion string               `json:"new_version"`
	Timestamp  int64                `json:"timestamp"`
}

func NewConfigChange(app, profile, label string, diff []jsondiff.Operation, oldVersion, newVersion string, at time.Time) *ConfigChange {
	if diff == nil {
		diff = []jsondiff.Operation{}
	}
	return &ConfigChange{
		Type:       TypeConfigChange,
		App:        app,
		Profile:    profile,
		Label:      label,
		Diff:       diff,
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Timestamp:  Millis(at),
	}
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

func NewPing(at time.Time) *Ping {
	return &Ping{Type: TypePing, Timestamp: Millis(at)}
}

// ErrorMessage reports a recoverable protocol problem; the connection stays open
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
}

func NewError(code, message string, at time.Time) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message, Timestamp: Millis(at)}
}

// ConnectionClosing is the last message before a deliberate disconnect
type ConnectionClosing struct {
	Type             MessageType `json:"type"`
	Reason           string      `json:"reason"`
	ReconnectAfterMs *int64      `json:"reconnect_after_ms,omitempty"`
}

// NewConnectionClosing builds a closing notice. A non-positive delay omits
// the reconnect hint.
func NewConnectionClosing(reason string, reconnectAfter time.Duration) *ConnectionClosing {
	msg := &ConnectionClosing{Type: TypeConnectionClosing, Reason: reason}
	if reconnectAfter > 0 {
		ms := reconnectAfter.Milliseconds()
		msg.ReconnectAfterMs = &ms
	}
	return msg
}

// ReconnectInfo answers a resync. MissedVersions is empty when the client is
// up to date, in which case CurrentConfig is omitted.
type ReconnectInfo struct {
	Type           MessageType `json:"type"`
	MissedVersions []string    `json:"missed_versions"`
	CurrentVersion string      `json:"current_version"`
	CurrentConfig  any         `json:"current_config,omitempty"`
}

func NewReconnectInfo(missed []string, currentVersion string, currentConfig any) *ReconnectInfo {
	if missed == nil {
		missed = []string{}
	}
	return &ReconnectInfo{
		Type:           TypeReconnectInfo,
		MissedVersions: missed,
		CurrentVersion: currentVersion,
		CurrentConfig:  currentConfig,
	}
}
