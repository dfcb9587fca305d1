package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/broadcast"
	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/internal/heartbeat"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/source"
	"github.com/amoylab/cfgstream/internal/subscription"
)

type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeTransport) send(t *testing.T, msg string) {
	t.Helper()
	f.in <- []byte(msg)
}

// expect reads the next server message and checks its type
func (f *fakeTransport) expect(t *testing.T, typ string) map[string]any {
	t.Helper()
	select {
	case data := <-f.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		require.Equal(t, typ, m["type"], "unexpected message %s", data)
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s message received", typ)
		return nil
	}
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type harness struct {
	deps     Deps
	source   *source.Memory
	registry *subscription.Registry
	history  *history.History
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := source.NewMemory()
	_, err := src.Put(context.Background(), "payment", "prod", "main",
		&source.Document{Config: map[string]any{"port": float64(8080)}, Version: "v1"})
	require.NoError(t, err)

	registry := subscription.NewRegistry(zap.NewNop())
	hist := history.New(history.Config{}, zap.NewNop())
	return &harness{
		deps: Deps{
			Logger:   zap.NewNop(),
			Registry: registry,
			History:  hist,
			Source:   src,
			Config: config.SessionConfig{
				QueueSize:      8,
				ReconnectDelay: time.Second,
			},
			Heartbeat: heartbeat.DefaultConfig(),
		},
		source:   src,
		registry: registry,
		history:  hist,
	}
}

type running struct {
	session *Session
	cancel  context.CancelFunc
	done    chan error
}

func (h *harness) start(ft Transport, app, profile, label string) *running {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(h.deps, ft, connection.Info{App: app, Profile: profile, Label: label})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return &running{session: s, cancel: cancel, done: done}
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func (h *harness) waitRegistered(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.registry.Count() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SnapshotThenChange(t *testing.T) {
	h := newHarness(t)
	b := broadcast.New(zap.NewNop(), h.registry, h.history, nil, 16)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = b.Run(ctx) }()

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")

	snap := ft.expect(t, "config_snapshot")
	assert.Equal(t, "v1", snap["version"])
	assert.Equal(t, map[string]any{"port": float64(8080)}, snap["config"])
	h.waitRegistered(t, 1)
	assert.Equal(t, connection.StateConnected, r.session.Info().State)

	_, err := b.Emit(event.New("payment", "prod", "main",
		map[string]any{"port": 8080}, map[string]any{"port": 9090}, "v2", "v1"))
	require.NoError(t, err)

	change := ft.expect(t, "config_change")
	assert.Equal(t, "v1", change["old_version"])
	assert.Equal(t, "v2", change["new_version"])
	assert.Equal(t, []any{map[string]any{"op": "replace", "path": "/port", "value": float64(9090)}}, change["diff"])

	r.cancel()
	closing := ft.expect(t, "connection_closing")
	assert.Equal(t, "server_shutdown", closing["reason"])
	assert.Equal(t, float64(1000), closing["reconnect_after_ms"])

	assert.NoError(t, r.wait(t))
	assert.Zero(t, h.registry.Count())
	assert.Equal(t, connection.StateClosed, r.session.Info().State)
	assert.True(t, ft.isClosed())
}

func TestSession_ConfigUnavailable(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport()
	r := h.start(ft, "unknown", "prod", "main")

	msg := ft.expect(t, "error")
	assert.Equal(t, "config_unavailable", msg["code"])
	closing := ft.expect(t, "connection_closing")
	assert.Equal(t, "config_unavailable", closing["reason"])

	err := r.wait(t)
	assert.ErrorIs(t, err, cnst.ErrConfigNotFound)
	assert.Zero(t, h.registry.Count())
	assert.True(t, ft.isClosed())
}

func TestSession_Subscriptions(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	defer r.cancel()

	ft.expect(t, "config_snapshot")
	h.waitRegistered(t, 1)
	id := r.session.ID()

	ft.send(t, `{"type":"subscribe","patterns":["*:prod:*","bad","*:prod:*"]}`)
	msg := ft.expect(t, "error")
	assert.Equal(t, "invalid_pattern", msg["code"])
	assert.Contains(t, msg["message"], `"bad"`)
	assert.Equal(t, []string{"*:prod:*"}, h.registry.Patterns(id))

	subs := h.registry.FindSubscribers("orders", "prod", "eu")
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)

	ft.send(t, `{"type":"unsubscribe","patterns":["*:prod:*"]}`)
	assert.Eventually(t, func() bool { return len(h.registry.Patterns(id)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.registry.FindSubscribers("orders", "prod", "eu"))
}

func TestSession_BadMessagesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	defer r.cancel()
	ft.expect(t, "config_snapshot")

	ft.send(t, `not json`)
	assert.Equal(t, "invalid_message", ft.expect(t, "error")["code"])

	ft.send(t, `{"type":"bogus"}`)
	assert.Equal(t, "unknown_type", ft.expect(t, "error")["code"])

	ft.send(t, `{"type":"subscribe"}`)
	assert.Equal(t, "invalid_message", ft.expect(t, "error")["code"])

	ft.send(t, `{"type":"resync"}`)
	ft.expect(t, "config_snapshot")
	assert.False(t, ft.isClosed())
}

func TestSession_Resync(t *testing.T) {
	h := newHarness(t)
	base := time.Now().Add(-time.Minute)
	for i, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, h.history.Record(history.Entry{
			App: "payment", Profile: "prod", Label: "main",
			Version: v, Config: map[string]any{"rev": float64(i + 1)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	defer r.cancel()
	ft.expect(t, "config_snapshot")

	t.Run("missed versions", func(t *testing.T) {
		ft.send(t, `{"type":"resync","last_version":"v1"}`)
		msg := ft.expect(t, "reconnect_info")
		assert.Equal(t, []any{"v2", "v3"}, msg["missed_versions"])
		assert.Equal(t, "v3", msg["current_version"])
		assert.Equal(t, map[string]any{"rev": float64(3)}, msg["current_config"])
	})

	t.Run("up to date", func(t *testing.T) {
		ft.send(t, `{"type":"resync","last_version":"v3"}`)
		msg := ft.expect(t, "reconnect_info")
		assert.Equal(t, []any{}, msg["missed_versions"])
		assert.Equal(t, "v3", msg["current_version"])
		assert.NotContains(t, msg, "current_config")
	})

	t.Run("unknown version falls back to snapshot", func(t *testing.T) {
		ft.send(t, `{"type":"resync","last_version":"v0"}`)
		msg := ft.expect(t, "config_snapshot")
		assert.Equal(t, "v1", msg["version"])
	})
}

// heldTransport holds the first write made after it is armed until release
// is closed
type heldTransport struct {
	*fakeTransport
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func newHeldTransport() *heldTransport {
	return &heldTransport{
		fakeTransport: newFakeTransport(),
		held:          make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (h *heldTransport) WriteMessage(data []byte) error {
	if h.armed.CompareAndSwap(true, false) {
		h.held <- struct{}{}
		<-h.release
	}
	return h.fakeTransport.WriteMessage(data)
}

func TestSession_RepliesFollowQueuedChanges(t *testing.T) {
	h := newHarness(t)
	change := func(version string) connection.Frame {
		return connection.Frame{Type: "config_change",
			Data: []byte(`{"type":"config_change","new_version":"` + version + `"}`)}
	}

	// the loop picks between inbound and outbox at random, so repeat
	for i := 0; i < 10; i++ {
		ht := newHeldTransport()
		r := h.start(ht, "payment", "prod", "main")
		ht.expect(t, "config_snapshot")
		h.waitRegistered(t, 1)
		handle := h.registry.FindSubscribers("payment", "prod", "main")[0]

		ht.armed.Store(true)
		require.True(t, handle.Outbox.TrySend(change("v2")))
		<-ht.held
		// both an outbox frame and an inbound request are now pending
		require.True(t, handle.Outbox.TrySend(change("v3")))
		ht.send(t, `{"type":"resync","last_version":"v0"}`)
		time.Sleep(20 * time.Millisecond)
		close(ht.release)

		assert.Equal(t, "v2", ht.expect(t, "config_change")["new_version"])
		assert.Equal(t, "v3", ht.expect(t, "config_change")["new_version"])
		assert.Equal(t, "v1", ht.expect(t, "config_snapshot")["version"])

		r.cancel()
		require.NoError(t, r.wait(t))
		h.waitRegistered(t, 0)
	}
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t)
	h.deps.Heartbeat = heartbeat.Config{Interval: 20 * time.Millisecond, Timeout: 20 * time.Millisecond}

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	ft.expect(t, "config_snapshot")
	ft.expect(t, "ping")

	assert.ErrorIs(t, r.wait(t), ErrHeartbeatTimeout)
	assert.Zero(t, h.registry.Count())
	// a timed out peer gets no closing notice
	assert.Empty(t, ft.out)
}

func TestSession_PongKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t)
	h.deps.Heartbeat = heartbeat.Config{Interval: 20 * time.Millisecond, Timeout: 40 * time.Millisecond}

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	ft.expect(t, "config_snapshot")

	for range 4 {
		ft.expect(t, "ping")
		ft.send(t, `{"type":"pong","timestamp":1}`)
	}
	select {
	case err := <-r.done:
		t.Fatalf("session stopped early: %v", err)
	default:
	}

	r.cancel()
	assert.NoError(t, r.wait(t))
}

func TestSession_RateLimit(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.RateLimit = 0.001
	h.deps.Config.RateBurst = 1

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	defer r.cancel()
	ft.expect(t, "config_snapshot")

	ft.send(t, `{"type":"pong"}`)
	ft.send(t, `{"type":"resync"}`)
	assert.Equal(t, "rate_limited", ft.expect(t, "error")["code"])
	assert.False(t, ft.isClosed())
}

func TestSession_WriteFailureCloses(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport()
	ft.failWrites(errors.New("broken pipe"))

	r := h.start(ft, "payment", "prod", "main")
	err := r.wait(t)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Zero(t, h.registry.Count())
	assert.True(t, ft.isClosed())
}

func TestSession_PeerHangup(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	ft.expect(t, "config_snapshot")
	h.waitRegistered(t, 1)

	require.NoError(t, ft.Close())
	assert.NoError(t, r.wait(t))
	assert.Zero(t, h.registry.Count())
	assert.Equal(t, connection.StateClosed, r.session.Info().State)
}

type panicSource struct{}

func (panicSource) GetConfig(context.Context, string, string, string) (*source.Document, error) {
	panic("boom")
}

func TestSession_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.deps.Source = panicSource{}

	ft := newFakeTransport()
	r := h.start(ft, "payment", "prod", "main")
	err := r.wait(t)
	assert.ErrorContains(t, err, "session panic: boom")
	assert.True(t, ft.isClosed())
	assert.Equal(t, connection.StateClosed, r.session.Info().State)
}

func TestSession_ManyConnectionsCleanUp(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	transports := make([]*fakeTransport, 20)
	for i := range transports {
		ft := newFakeTransport()
		transports[i] = ft
		s := New(h.deps, ft, connection.Info{App: "payment", Profile: "prod", Label: "main"})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(ctx)
		}()
	}
	for _, ft := range transports {
		ft.expect(t, "config_snapshot")
	}
	h.waitRegistered(t, len(transports))

	cancel()
	wg.Wait()
	assert.Zero(t, h.registry.Count())
	exact, patterns := h.registry.IndexSize()
	assert.Zero(t, exact)
	assert.Zero(t, patterns)
}
