package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/event"
)

func sampleEvent(version string, port int) *event.ConfigChangeEvent {
	return &event.ConfigChangeEvent{
		App:       "payment",
		Profile:   "prod",
		Label:     "main",
		NewConfig: map[string]any{"port": port},
		Version:   version,
		Timestamp: time.UnixMilli(1700000000000),
	}
}

type fakeNotifier struct {
	recv bool
	send bool
	ch   chan *event.ConfigChangeEvent
	err  error

	mu   sync.Mutex
	sent []*event.ConfigChangeEvent
}

func (f *fakeNotifier) Watch(ctx context.Context) (<-chan *event.ConfigChangeEvent, error) {
	if !f.recv {
		return nil, errors.New("not receiver")
	}
	if f.ch == nil {
		f.ch = make(chan *event.ConfigChangeEvent, 1)
	}
	return f.ch, nil
}

func (f *fakeNotifier) NotifyUpdate(_ context.Context, ev *event.ConfigChangeEvent) error {
	if !f.send {
		return errors.New("not sender")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return f.err
}

func (f *fakeNotifier) Sent() []*event.ConfigChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.ConfigChangeEvent(nil), f.sent...)
}

func (f *fakeNotifier) CanReceive() bool { return f.recv }
func (f *fakeNotifier) CanSend() bool    { return f.send }
func (f *fakeNotifier) Close() error     { return nil }

func TestRoles(t *testing.T) {
	tests := []struct {
		role    config.NotifierRole
		receive bool
		send    bool
	}{
		{config.RoleReceiver, true, false},
		{config.RoleSender, false, true},
		{config.RoleBoth, true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.receive, canReceive(tt.role))
			assert.Equal(t, tt.send, canSend(tt.role))
		})
	}
}

func TestEventCodec(t *testing.T) {
	ev := sampleEvent("v2", 9090)
	ev.OldConfig = map[string]any{"port": 8080}
	ev.OldVersion = "v1"

	data, err := encodeEvent(ev)
	require.NoError(t, err)

	got, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "payment:prod:main", got.Key())
	assert.Equal(t, "v2", got.Version)
	assert.Equal(t, "v1", got.OldVersion)
	assert.Equal(t, map[string]any{"port": float64(9090)}, got.NewConfig)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))

	_, err = encodeEvent(&event.ConfigChangeEvent{App: "payment"})
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	_, err = decodeEvent([]byte(`{"app":"payment"}`))
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	_, err = decodeEvent([]byte(`junk`))
	assert.Error(t, err)
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(context.Background(), zap.NewNop(), &config.NotifierConfig{Type: config.NotifierNone})
	assert.NoError(t, err)
	assert.Nil(t, n)

	_, err = NewNotifier(context.Background(), zap.NewNop(), &config.NotifierConfig{Type: "unknown"})
	assert.Error(t, err)

	_, err = NewNotifier(context.Background(), zap.NewNop(), &config.NotifierConfig{Type: config.NotifierKafka})
	assert.Error(t, err)
}
