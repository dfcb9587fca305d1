// Package broadcast fans configuration change events out to every matching
// connection. Publishing never blocks: events are pushed onto bounded
// consumer channels, and the distribution loop hands frames to connection
// outboxes that drop on full.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/subscription"
	"github.com/amoylab/cfgstream/pkg/jsondiff"
	"github.com/amoylab/cfgstream/pkg/metrics"
	"github.com/amoylab/cfgstream/pkg/protocol"
	"github.com/amoylab/cfgstream/pkg/trace"
)

const (
	DefaultBufferSize = 256

	distributorName = "distributor"
)

// ErrClosed is returned by Emit after Close
var ErrClosed = errors.New("broadcaster is closed")

// Stats is a snapshot of the broadcaster counters
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Lagged    uint64 `json:"lagged"`
	Consumers int    `json:"consumers"`
}

// Report describes the distribution of a single event
type Report struct {
	Subscribers int
	Delivered   int
	Dropped     int
}

// Broadcaster publishes change events. Emit may be called from any goroutine;
// Run must be called exactly once to drive distribution.
type Broadcaster struct {
	logger   *zap.Logger
	registry *subscription.Registry
	history  *history.History
	metrics  *metrics.Metrics

	bufferSize int

	mu        sync.RWMutex
	consumers map[*Consumer]struct{}
	closed    bool

	distributor *Consumer

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	lagged    atomic.Uint64
}

// New creates a broadcaster. The distribution consumer is attached right
// away so events emitted before Run starts are buffered, not lost.
func New(logger *zap.Logger, registry *subscription.Registry, hist *history.History, m *metrics.Metrics, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Broadcaster{
		logger:     logger.Named("broadcast"),
		registry:   registry,
		history:    hist,
		metrics:    m,
		bufferSize: bufferSize,
		consumers:  make(map[*Consumer]struct{}),
	}
	b.distributor = b.Subscribe(distributorName, bufferSize)
	return b
}

// Subscribe attaches a backbone consumer. Events that do not fit in its
// buffer are skipped for that consumer and reported as lag.
func (b *Broadcaster) Subscribe(name string, buffer int) *Consumer {
	if buffer <= 0 {
		buffer = b.bufferSize
	}
	c := &Consumer{name: name, ch: make(chan *event.ConfigChangeEvent, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[c] = struct{}{}
	return c
}

// Unsubscribe detaches a consumer
func (b *Broadcaster) Unsubscribe(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, c)
}

// Emit publishes ev to every consumer without blocking. It returns how many
// consumers accepted the event; acceptance is not delivery.
func (b *Broadcaster) Emit(ev *event.ConfigChangeEvent) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	b.published.Add(1)

	accepted := 0
	for c := range b.consumers {
		if c.offer(ev) {
			accepted++
			continue
		}
		b.logger.Warn("consumer is lagging, event skipped",
			zap.String("consumer", c.name),
			zap.String("key", ev.Key()),
			zap.String("version", ev.Version))
	}
	return accepted, nil
}

// Close stops accepting events. Run keeps draining what is already buffered
// until its context ends.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Stats returns the current counters
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	consumers := len(b.consumers)
	b.mu.RUnlock()

	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Lagged:    b.lagged.Load(),
		Consumers: consumers,
	}
}

// Run is the distribution loop. It handles one event at a time until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("distribution loop started")
	defer b.logger.Info("distribution loop stopped")

	for {
		ev, skipped, err := b.distributor.Recv(ctx)
		if err != nil {
			return nil
		}
		if skipped > 0 {
			b.lagged.Add(skipped)
			b.metrics.BroadcastLagged(skipped)
			b.logger.Warn("distribution loop lagged behind, continuing with next event",
				zap.Uint64("skipped", skipped))
		}
		b.distribute(ctx, ev)
	}
}

// distribute builds the frame for ev once and offers the same bytes to
// every subscriber, then records the event in history
func (b *Broadcaster) distribute(ctx context.Context, ev *event.ConfigChangeEvent) Report {
	span := trace.Tracer(cnst.TraceBroadcast).Start(ctx, cnst.SpanDistribute).
		WithAttrs(
			attribute.String(cnst.AttrConfigKey, ev.Key()),
			attribute.String(cnst.AttrConfigVersion, ev.Version),
		)
	defer span.End()

	handles := b.registry.FindSubscribers(ev.App, ev.Profile, ev.Label)
	report := Report{Subscribers: len(handles)}

	if len(handles) > 0 {
		frame, ops, err := b.buildFrame(ev)
		if err != nil {
			span.RecordError(err)
			b.logger.Error("failed to build change message",
				zap.String("key", ev.Key()),
				zap.Error(err))
		} else {
			span.WithAttrs(attribute.Int(cnst.AttrDiffOperations, ops))
			for _, h := range handles {
				if h.Outbox.TrySend(frame) {
					report.Delivered++
					continue
				}
				report.Dropped++
				b.metrics.MessageDropped(frame.Type)
				b.logger.Warn("outbound queue full, dropping message",
					zap.String("connection", h.ID.String()),
					zap.String("key", ev.Key()),
					zap.String("version", ev.Version))
			}
		}
	}

	if err := b.history.Record(history.FromEvent(ev)); err != nil {
		b.logger.Warn("failed to record history",
			zap.String("key", ev.Key()),
			zap.String("version", ev.Version),
			zap.Error(err))
	}

	b.delivered.Add(uint64(report.Delivered))
	b.dropped.Add(uint64(report.Dropped))
	b.metrics.EventDistributed(report.Subscribers)
	span.WithAttrs(
		attribute.Int(cnst.AttrSubscribers, report.Subscribers),
		attribute.Int(cnst.AttrDelivered, report.Delivered),
		attribute.Int(cnst.AttrDropped, report.Dropped),
	)

	b.logger.Debug("event distributed",
		zap.String("key", ev.Key()),
		zap.String("version", ev.Version),
		zap.Int("subscribers", report.Subscribers),
		zap.Int("delivered", report.Delivered),
		zap.Int("dropped", report.Dropped))
	return report
}

// buildFrame encodes a config_change when the previous document is known and
// a config_snapshot otherwise. It also returns the number of diff operations.
func (b *Broadcaster) buildFrame(ev *event.ConfigChangeEvent) (connection.Frame, int, error) {
	var (
		msg any
		ops int
	)
	if ev.HasOldConfig() {
		diff := jsondiff.Diff(ev.OldConfig, ev.NewConfig)
		oldVersion := ev.OldVersion
		if oldVersion == "" {
			// history has not seen ev yet, so its latest is the predecessor
			oldVersion, _ = b.history.CurrentVersion(ev.App, ev.Profile, ev.Label)
		}
		msg = protocol.NewConfigChange(ev.App, ev.Profile, ev.Label, diff, oldVersion, ev.Version, ev.Timestamp)
		ops = len(diff)
	} else {
		msg = protocol.NewConfigSnapshot(ev.App, ev.Profile, ev.Label, ev.NewConfig, ev.Version, ev.Timestamp)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return connection.Frame{}, 0, fmt.Errorf("encode %s: %w", ev.Key(), err)
	}
	typ := protocol.TypeConfigSnapshot
	if ev.HasOldConfig() {
		typ = protocol.TypeConfigChange
	}
	return connection.Frame{Type: string(typ), Data: data}, ops, nil
}
