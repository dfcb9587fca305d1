// Package session runs the per-connection protocol loop. A session owns its
// connection.Info, multiplexes inbound frames, its outbox, the heartbeat
// timer and the shared shutdown context, and always unregisters itself on
// the way out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ifuryst/lol"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/heartbeat"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/source"
	"github.com/amoylab/cfgstream/internal/subscription"
	"github.com/amoylab/cfgstream/pkg/metrics"
	"github.com/amoylab/cfgstream/pkg/protocol"
	"github.com/amoylab/cfgstream/pkg/trace"
)

// Close reasons, used as the metrics label
const (
	ReasonClientClosed      = "client_closed"
	ReasonShutdown          = "shutdown"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonWriteError        = "write_error"
	ReasonConfigUnavailable = "config_unavailable"
	ReasonRegisterFailed    = "register_failed"
	ReasonPanic             = "panic"
)

// ErrHeartbeatTimeout is returned by Run when the client stopped answering pings
var ErrHeartbeatTimeout = errors.New("heartbeat timed out")

// Deps are the collaborators shared by every session
type Deps struct {
	Logger    *zap.Logger
	Registry  *subscription.Registry
	History   *history.History
	Source    source.ConfigSource
	Metrics   *metrics.Metrics
	Config    config.SessionConfig
	Heartbeat heartbeat.Config
	// HeartbeatOptions are passed to every heartbeat.Manager, mostly for tests
	HeartbeatOptions []heartbeat.Option
}

type inbound struct {
	data []byte
	err  error
}

// Session is one client connection
type Session struct {
	deps      Deps
	logger    *zap.Logger
	transport Transport
	outbox    *connection.Outbox
	hb        *heartbeat.Manager
	limiter   *rate.Limiter

	mu   sync.Mutex
	info connection.Info

	inbound    chan inbound
	done       chan struct{}
	registered bool
	reason     string
	once       sync.Once
}

// New prepares a session for info. An empty info.ID is filled in.
func New(deps Deps, transport Transport, info connection.Info) *Session {
	if info.ID == "" {
		info.ID = connection.NewID()
	}
	info.State = connection.StateConnecting

	limit := rate.Inf
	if deps.Config.RateLimit > 0 {
		limit = rate.Limit(deps.Config.RateLimit)
	}
	burst := deps.Config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Session{
		deps: deps,
		logger: deps.Logger.Named("session").With(
			zap.String("connection", info.ID.String()),
			zap.String("key", info.Key())),
		transport: transport,
		outbox:    connection.NewOutbox(deps.Config.QueueSize),
		hb:        heartbeat.New(deps.Heartbeat, deps.HeartbeatOptions...),
		limiter:   rate.NewLimiter(limit, burst),
		info:      info,
		inbound:   make(chan inbound),
		done:      make(chan struct{}),
		reason:    ReasonClientClosed,
	}
}

// ID returns the connection id
func (s *Session) ID() connection.ID {
	return s.info.ID
}

// Info returns a copy of the connection info
func (s *Session) Info() connection.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) advance(next connection.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Advance(next)
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.LastMessageAt = at
}

// Run serves the connection until the client goes away, the heartbeat
// times out, a write fails or shutdown is cancelled. It must be called once.
func (s *Session) Run(shutdown context.Context) (err error) {
	s.deps.Metrics.ConnOpened()
	defer s.teardown(&err)

	if err := s.connect(shutdown); err != nil {
		return err
	}

	go s.readLoop()

	timer := time.NewTimer(s.hb.TimeUntilNextAction())
	defer timer.Stop()

	for {
		select {
		case <-shutdown.Done():
			s.reason = ReasonShutdown
			s.drain()
			if err := s.write(protocol.NewConnectionClosing(protocol.ReasonShutdown, s.deps.Config.ReconnectDelay), protocol.TypeConnectionClosing); err != nil {
				s.logger.Debug("failed to send closing notice", zap.Error(err))
			}
			return nil

		case in := <-s.inbound:
			if in.err != nil {
				s.logger.Debug("connection closed by peer", zap.Error(in.err))
				return nil
			}
			if err := s.handleInbound(shutdown, in.data); err != nil {
				s.reason = ReasonWriteError
				return err
			}

		case frame := <-s.outbox.C():
			if err := s.writeFrame(frame); err != nil {
				s.reason = ReasonWriteError
				return err
			}

		case <-timer.C:
			if s.hb.IsTimedOut() {
				s.reason = ReasonHeartbeatTimeout
				s.deps.Metrics.HeartbeatTimedOut()
				s.logger.Info("heartbeat timed out, closing connection",
					zap.Time("last_activity", s.hb.LastActivity()))
				return ErrHeartbeatTimeout
			}
			if s.hb.ShouldPing() {
				if err := s.write(protocol.NewPing(time.Now()), protocol.TypePing); err != nil {
					s.reason = ReasonWriteError
					return err
				}
				s.hb.PingSent()
			}
		}
		// activity and pongs only move the deadline later, so an early
		// wake-up is harmless and a late one cannot happen
		timer.Reset(s.hb.TimeUntilNextAction())
	}
}

// connect fetches the initial document, queues the snapshot and registers
// the connection
func (s *Session) connect(ctx context.Context) error {
	span := trace.Tracer(cnst.TraceSession).Start(ctx, cnst.SpanSessionConnect).
		WithAttrs(
			attribute.String(cnst.AttrConnectionID, s.info.ID.String()),
			attribute.String(cnst.AttrConfigKey, s.info.Key()),
		)
	defer span.End()

	now := time.Now()
	s.mu.Lock()
	s.info.ConnectedAt = now
	s.info.LastMessageAt = now
	s.mu.Unlock()

	doc, err := s.deps.Source.GetConfig(ctx, s.info.App, s.info.Profile, s.info.Label)
	if err != nil {
		span.RecordError(err)
		s.reason = ReasonConfigUnavailable
		s.logger.Warn("failed to load initial config", zap.Error(err))
		_ = s.write(protocol.NewError(protocol.CodeConfigUnavailable, err.Error(), now), protocol.TypeError)
		_ = s.write(protocol.NewConnectionClosing(protocol.ReasonConfigError, s.deps.Config.ReconnectDelay), protocol.TypeConnectionClosing)
		return fmt.Errorf("initial snapshot for %s: %w", s.info.Key(), err)
	}

	if err := s.enqueue(protocol.NewConfigSnapshot(s.info.App, s.info.Profile, s.info.Label, doc.Config, doc.Version, now), protocol.TypeConfigSnapshot); err != nil {
		return err
	}

	s.advance(connection.StateConnected)
	if err := s.deps.Registry.Register(connection.Handle{ID: s.info.ID, Info: s.Info(), Outbox: s.outbox}); err != nil {
		span.RecordError(err)
		s.reason = ReasonRegisterFailed
		return fmt.Errorf("register %s: %w", s.info.ID, err)
	}
	s.registered = true
	span.WithAttrs(attribute.String(cnst.AttrConfigVersion, doc.Version))
	s.logger.Info("connection established", zap.String("version", doc.Version))
	return nil
}

func (s *Session) readLoop() {
	for {
		data, err := s.transport.ReadMessage()
		select {
		case s.inbound <- inbound{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleInbound processes one client frame. Replies are queued behind the
// frames already in the outbox, so a client never sees an answer before a
// change that was queued ahead of it. Only encoding failures are returned;
// protocol problems are answered with an error message.
func (s *Session) handleInbound(ctx context.Context, data []byte) error {
	now := time.Now()
	s.touch(now)

	msg, err := protocol.DecodeClient(data)
	if msg != nil && msg.Type == protocol.TypePong {
		if latency, ok := s.hb.RecordPong(); ok {
			s.deps.Metrics.PongReceived(latency)
		}
	} else {
		s.hb.RecordActivity()
	}

	if !s.limiter.Allow() {
		s.deps.Metrics.MessageDropped("inbound")
		return s.reply(protocol.NewError(protocol.CodeRateLimited, "too many messages, slow down", now), protocol.TypeError)
	}

	if err != nil {
		code := protocol.CodeInvalidMessage
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		s.logger.Debug("rejected client message", zap.Error(err))
		return s.reply(protocol.NewError(code, err.Error(), now), protocol.TypeError)
	}
	s.deps.Metrics.MessageReceived(string(msg.Type))

	switch msg.Type {
	case protocol.TypePong:
		return nil
	case protocol.TypeSubscribe:
		return s.updatePatterns(msg.Patterns, s.deps.Registry.SubscribeToPattern, now)
	case protocol.TypeUnsubscribe:
		return s.updatePatterns(msg.Patterns, s.deps.Registry.UnsubscribeFromPattern, now)
	case protocol.TypeResync:
		return s.resync(ctx, msg.LastVersion)
	}
	return nil
}

// updatePatterns applies every valid pattern and reports the rest in one
// error message
func (s *Session) updatePatterns(patterns []string, apply func(connection.ID, string) error, now time.Time) error {
	var rejected []error
	for _, p := range lol.UniqSlice(patterns) {
		if err := apply(s.info.ID, p); err != nil {
			rejected = append(rejected, err)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	return s.reply(protocol.NewError(protocol.CodeInvalidPattern, errors.Join(rejected...).Error(), now), protocol.TypeError)
}

// resync answers a reconnecting client. Known versions get the list of
// missed versions; unknown or evicted ones get a full snapshot.
func (s *Session) resync(ctx context.Context, lastVersion string) error {
	span := trace.Tracer(cnst.TraceSession).Start(ctx, cnst.SpanSessionResync).
		WithAttrs(
			attribute.String(cnst.AttrConnectionID, s.info.ID.String()),
			attribute.String(cnst.AttrConfigVersion, lastVersion),
		)
	defer span.End()

	app, profile, label := s.info.App, s.info.Profile, s.info.Label
	if lastVersion != "" {
		if entries, found := s.deps.History.ChangesSince(app, profile, label, lastVersion); found {
			if len(entries) == 0 {
				return s.reply(protocol.NewReconnectInfo(nil, lastVersion, nil), protocol.TypeReconnectInfo)
			}
			missed := make([]string, 0, len(entries))
			for _, e := range entries {
				missed = append(missed, e.Version)
			}
			latest := entries[len(entries)-1]
			s.logger.Debug("client resynced from history",
				zap.String("since", lastVersion),
				zap.Int("missed", len(missed)))
			return s.reply(protocol.NewReconnectInfo(missed, latest.Version, latest.Config), protocol.TypeReconnectInfo)
		}
	}

	now := time.Now()
	doc, err := s.deps.Source.GetConfig(ctx, app, profile, label)
	if err != nil {
		span.RecordError(err)
		return s.reply(protocol.NewError(protocol.CodeConfigUnavailable, err.Error(), now), protocol.TypeError)
	}
	return s.reply(protocol.NewConfigSnapshot(app, profile, label, doc.Config, doc.Version, now), protocol.TypeConfigSnapshot)
}

func (s *Session) enqueue(msg any, typ protocol.MessageType) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !s.outbox.TrySend(connection.Frame{Type: string(typ), Data: data}) {
		return fmt.Errorf("outbound queue of %s is full", s.info.ID)
	}
	return nil
}

// reply queues a protocol reply. A full outbox drops it like any other frame.
func (s *Session) reply(msg any, typ protocol.MessageType) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !s.outbox.TrySend(connection.Frame{Type: string(typ), Data: data}) {
		s.deps.Metrics.MessageDropped(string(typ))
		s.logger.Warn("outbound queue full, dropping reply", zap.String("type", string(typ)))
	}
	return nil
}

func (s *Session) write(msg any, typ protocol.MessageType) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.writeFrame(connection.Frame{Type: string(typ), Data: data})
}

func (s *Session) writeFrame(f connection.Frame) error {
	if err := s.transport.WriteMessage(f.Data); err != nil {
		s.logger.Debug("failed to write message", zap.String("type", f.Type), zap.Error(err))
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	s.deps.Metrics.MessageSent(f.Type)
	return nil
}

// drain writes the frames already queued when shutdown starts
func (s *Session) drain() {
	for n := s.outbox.Len(); n > 0; n-- {
		select {
		case f := <-s.outbox.C():
			if err := s.writeFrame(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) teardown(errp *error) {
	if r := recover(); r != nil {
		s.reason = ReasonPanic
		*errp = fmt.Errorf("session panic: %v", r)
		s.logger.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
	}

	s.once.Do(func() {
		s.advance(connection.StateClosing)
		if s.registered {
			s.deps.Registry.Unregister(s.info.ID)
		}
		s.outbox.Close()
		close(s.done)
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("failed to close transport", zap.Error(err))
		}
		s.advance(connection.StateClosed)
		s.deps.Metrics.ConnClosed(s.reason)
		s.logger.Info("connection closed", zap.String("reason", s.reason))
	})
}
