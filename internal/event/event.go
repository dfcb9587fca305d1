package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/amoylab/cfgstream/internal/connection"
)

// ErrInvalidEvent is returned by Validate for events missing mandatory fields
var ErrInvalidEvent = errors.New("invalid config change event")

// ConfigChangeEvent announces a new version of one app:profile:label
// configuration. It is immutable once constructed and shared read-only by
// every consumer.
type ConfigChangeEvent struct {
	App        string    `json:"app"`
	Profile    string    `json:"profile"`
	Label      string    `json:"label"`
	OldConfig  any       `json:"old_config,omitempty"`
	NewConfig  any       `json:"new_config"`
	Version    string    `json:"version"`
	OldVersion string    `json:"old_version,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// New builds an event stamped with the current time. oldConfig may be nil
// when the previous document is unknown.
func New(app, profile, label string, oldConfig, newConfig any, version, oldVersion string) *ConfigChangeEvent {
	return &ConfigChangeEvent{
		App:        app,
		Profile:    profile,
		Label:      label,
		OldConfig:  oldConfig,
		NewConfig:  newConfig,
		Version:    version,
		OldVersion: oldVersion,
		Timestamp:  time.Now(),
	}
}

// Key returns app:profile:label
func (e *ConfigChangeEvent) Key() string {
	return connection.Key(e.App, e.Profile, e.Label)
}

// HasOldConfig reports whether the event carries the previous document and
// can therefore be delivered as a diff
func (e *ConfigChangeEvent) HasOldConfig() bool {
	return e.OldConfig != nil
}

// Validate checks the fields every consumer relies on
func (e *ConfigChangeEvent) Validate() error {
	switch {
	case e.App == "" || e.Profile == "" || e.Label == "":
		return fmt.Errorf("%w: app, profile and label are required", ErrInvalidEvent)
	case e.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}
