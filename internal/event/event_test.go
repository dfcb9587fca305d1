package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigChangeEvent_Key(t *testing.T) {
	ev := &ConfigChangeEvent{App: "payment", Profile: "prod", Label: "main"}
	assert.Equal(t, "payment:prod:main", ev.Key())
}

func TestConfigChangeEvent_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		ev      ConfigChangeEvent
		wantErr bool
	}{
		{"complete", ConfigChangeEvent{App: "a", Profile: "p", Label: "l", Version: "v1", Timestamp: now}, false},
		{"missing label", ConfigChangeEvent{App: "a", Profile: "p", Version: "v1", Timestamp: now}, true},
		{"missing version", ConfigChangeEvent{App: "a", Profile: "p", Label: "l", Timestamp: now}, true},
		{"missing timestamp", ConfigChangeEvent{App: "a", Profile: "p", Label: "l", Version: "v1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigChangeEvent_HasOldConfig(t *testing.T) {
	assert.False(t, (&ConfigChangeEvent{}).HasOldConfig())
	assert.True(t, (&ConfigChangeEvent{OldConfig: map[string]any{}}).HasOldConfig())
}

func TestNew(t *testing.T) {
	ev := New("payment", "prod", "main", nil, map[string]any{"port": 8080}, "v1", "")
	assert.NoError(t, ev.Validate())
	assert.False(t, ev.HasOldConfig())
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Second)
}
