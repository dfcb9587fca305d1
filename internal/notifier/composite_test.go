package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/event"
)

func TestCompositeNotifier_CanSendReceive(t *testing.T) {
	n1 := &fakeNotifier{recv: true}
	n2 := &fakeNotifier{send: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comp := NewCompositeNotifier(ctx, zap.NewNop(), n1, n2)

	assert.True(t, comp.CanReceive())
	assert.True(t, comp.CanSend())

	none := NewCompositeNotifier(ctx, zap.NewNop())
	assert.False(t, none.CanReceive())
	assert.False(t, none.CanSend())
}

func TestCompositeNotifier_WatchForwards(t *testing.T) {
	n1 := &fakeNotifier{recv: true, ch: make(chan *event.ConfigChangeEvent, 1)}
	n2 := &fakeNotifier{recv: true, ch: make(chan *event.ConfigChangeEvent, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comp := NewCompositeNotifier(ctx, zap.NewNop(), n1, n2)

	watchCtx, stop := context.WithCancel(context.Background())
	ch, err := comp.Watch(watchCtx)
	require.NoError(t, err)

	n1.ch <- sampleEvent("v1", 1)
	n2.ch <- sampleEvent("v2", 2)

	got := map[string]bool{}
	for range 2 {
		select {
		case ev := <-ch:
			got[ev.Version] = true
		case <-time.After(time.Second):
			t.Fatal("did not receive forwarded notification")
		}
	}
	assert.Equal(t, map[string]bool{"v1": true, "v2": true}, got)

	stop()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel did not close")
	}
}

func TestCompositeNotifier_NotifyUpdate_JoinsErrors(t *testing.T) {
	n1 := &fakeNotifier{send: true, err: errors.New("e1")}
	n2 := &fakeNotifier{send: true}
	n3 := &fakeNotifier{send: true, err: errors.New("e3")}
	n4 := &fakeNotifier{recv: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comp := NewCompositeNotifier(ctx, zap.NewNop(), n1, n2, n3, n4)

	err := comp.NotifyUpdate(context.Background(), sampleEvent("v1", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e1")
	assert.Contains(t, err.Error(), "e3")
	assert.Len(t, n2.Sent(), 1)
	assert.Empty(t, n4.Sent())

	assert.NoError(t, comp.Close())
}
