// Package notifier carries configuration change events between cfgstream
// instances and from publishers into the broadcaster.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/event"
)

// Notifier defines the interface for change event transport
type Notifier interface {
	// Watch returns a channel that receives change events until ctx is done
	Watch(ctx context.Context) (<-chan *event.ConfigChangeEvent, error)

	// NotifyUpdate publishes a change event
	NotifyUpdate(ctx context.Context, ev *event.ConfigChangeEvent) error

	// CanReceive returns true if the notifier can receive updates
	CanReceive() bool

	// CanSend returns true if the notifier can send updates
	CanSend() bool

	// Close releases the underlying connections
	Close() error
}

// watchBuffer is the capacity of every channel returned by Watch
const watchBuffer = 16

func canReceive(role config.NotifierRole) bool {
	return role == config.RoleReceiver || role == config.RoleBoth
}

func canSend(role config.NotifierRole) bool {
	return role == config.RoleSender || role == config.RoleBoth
}

func encodeEvent(ev *event.ConfigChangeEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (*event.ConfigChangeEvent, error) {
	var ev event.ConfigChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
