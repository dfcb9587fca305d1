package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/internal/source"
	"github.com/amoylab/cfgstream/pkg/trace"
)

// Emitter accepts change events for distribution
type Emitter interface {
	Emit(ev *event.ConfigChangeEvent) (int, error)
}

// Pump applies change events to the local source and hands them to the
// broadcaster. It is the only writer of an updatable source besides tests.
type Pump struct {
	logger   *zap.Logger
	notifier Notifier
	source   source.ConfigSource
	emitter  Emitter
	// keys serializes the source update and the emit of one key
	keys cmap.ConcurrentMap[string, *keyLock]
}

type keyLock struct {
	sync.Mutex
	// last is the timestamp of the latest event emitted for the key
	last time.Time
}

// NewPump wires the pieces together. n may be nil when no notifier is configured.
func NewPump(logger *zap.Logger, n Notifier, src source.ConfigSource, emitter Emitter) *Pump {
	return &Pump{
		logger:   logger.Named("notifier.pump"),
		notifier: n,
		source:   src,
		emitter:  emitter,
		keys:     cmap.New[*keyLock](),
	}
}

func (p *Pump) lock(key string) *keyLock {
	lk := p.keys.Upsert(key, nil, func(exist bool, current *keyLock, _ *keyLock) *keyLock {
		if exist {
			return current
		}
		return &keyLock{}
	})
	lk.Lock()
	return lk
}

// Run applies every event received from the notifier until ctx is done
func (p *Pump) Run(ctx context.Context) error {
	if p.notifier == nil || !p.notifier.CanReceive() {
		p.logger.Info("no receiving notifier configured, pump idle")
		<-ctx.Done()
		return nil
	}

	ch, err := p.notifier.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch notifier: %w", err)
	}
	p.logger.Info("watching for change events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := p.Apply(ctx, ev); err != nil {
				p.logger.Error("failed to apply change event",
					zap.String("key", ev.Key()),
					zap.String("version", ev.Version),
					zap.Error(err))
			}
		}
	}
}

// Apply stores ev in the source when it is updatable and emits it, using the
// replaced document as the old config. An event whose version is already
// current is dropped and reported as nil. Events of one key are stored and
// emitted as a unit, so each emitted event's old version is the version
// emitted before it, and timestamps never go backwards.
func (p *Pump) Apply(ctx context.Context, ev *event.ConfigChangeEvent) (*event.ConfigChangeEvent, error) {
	span := trace.Tracer(cnst.TraceNotifier).Start(ctx, cnst.SpanNotifierApply).
		WithAttrs(
			attribute.String(cnst.AttrConfigKey, ev.Key()),
			attribute.String(cnst.AttrConfigVersion, ev.Version),
		)
	defer span.End()

	if err := ev.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	lk := p.lock(ev.Key())
	defer lk.Unlock()

	out := *ev
	if out.Timestamp.Before(lk.last) {
		out.Timestamp = lk.last
	}
	if updater, ok := p.source.(source.Updater); ok {
		doc, err := source.NewDocument(ev.NewConfig, ev.Version)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		previous, err := updater.Put(ctx, ev.App, ev.Profile, ev.Label, doc)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if previous != nil && previous.Version == doc.Version {
			p.logger.Debug("version already current, skipping",
				zap.String("key", ev.Key()),
				zap.String("version", ev.Version))
			return nil, nil
		}
		out.NewConfig = doc.Config
		// clients of this instance hold the local document, so the diff base
		// is whatever the source had, not what the sender had
		if previous != nil {
			out.OldConfig = previous.Config
			out.OldVersion = previous.Version
		}
	}

	if _, err := p.emitter.Emit(&out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	lk.last = out.Timestamp
	return &out, nil
}

// Publish turns a new document into an event, applies it locally and
// forwards it to other instances when the notifier can send
func (p *Pump) Publish(ctx context.Context, app, profile, label string, cfg any, version string) (*event.ConfigChangeEvent, error) {
	if _, ok := p.source.(source.Updater); !ok {
		return nil, cnst.ErrReadOnlySource
	}
	doc, err := source.NewDocument(cfg, version)
	if err != nil {
		return nil, err
	}

	ev := &event.ConfigChangeEvent{
		App:       app,
		Profile:   profile,
		Label:     label,
		NewConfig: doc.Config,
		Version:   doc.Version,
		Timestamp: time.Now(),
	}
	applied, err := p.Apply(ctx, ev)
	if err != nil || applied == nil {
		return applied, err
	}

	if p.notifier != nil && p.notifier.CanSend() {
		if err := p.notifier.NotifyUpdate(ctx, applied); err != nil {
			return applied, fmt.Errorf("applied locally but failed to notify: %w", err)
		}
	}
	return applied, nil
}
