package notifier

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/event"
)

// CompositeNotifier fans Watch in from, and NotifyUpdate out to, several notifiers
type CompositeNotifier struct {
	logger    *zap.Logger
	notifiers []Notifier
	mu        sync.RWMutex
	watchers  map[chan *event.ConfigChangeEvent]struct{}
}

var _ Notifier = (*CompositeNotifier)(nil)

// NewCompositeNotifier creates a new composite notifier
func NewCompositeNotifier(ctx context.Context, logger *zap.Logger, notifiers ...Notifier) *CompositeNotifier {
	n := &CompositeNotifier{
		logger:    logger.Named("notifier.composite"),
		notifiers: notifiers,
		watchers:  make(map[chan *event.ConfigChangeEvent]struct{}),
	}

	if n.CanReceive() {
		n.watch(ctx)
	}

	return n
}

func (n *CompositeNotifier) watch(ctx context.Context) {
	for _, notifier := range n.notifiers {
		if !notifier.CanReceive() {
			continue
		}

		notifierCh, err := notifier.Watch(ctx)
		if err != nil {
			n.logger.Error("failed to watch underlying notifier",
				zap.Error(err))
			continue
		}

		go func(notifierCh <-chan *event.ConfigChangeEvent) {
			for {
				select {
				case ev, ok := <-notifierCh:
					if !ok {
						return
					}
					n.notifyWatchers(ev)
				case <-ctx.Done():
					return
				}
			}
		}(notifierCh)
	}
}

// notifyWatchers sends the event to all registered watchers
func (n *CompositeNotifier) notifyWatchers(ev *event.ConfigChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for watcher := range n.watchers {
		select {
		case watcher <- ev:
		default:
			n.logger.Warn("watcher channel is full, skipping notification",
				zap.String("key", ev.Key()),
				zap.String("version", ev.Version))
		}
	}
}

// Watch implements Notifier.Watch
func (n *CompositeNotifier) Watch(ctx context.Context) (<-chan *event.ConfigChangeEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan *event.ConfigChangeEvent, watchBuffer)
	n.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.watchers, ch)
		close(ch)
	}()

	return ch, nil
}

// NotifyUpdate implements Notifier.NotifyUpdate
func (n *CompositeNotifier) NotifyUpdate(ctx context.Context, ev *event.ConfigChangeEvent) error {
	var errs []error
	for _, notifier := range n.notifiers {
		if !notifier.CanSend() {
			continue
		}
		if err := notifier.NotifyUpdate(ctx, ev); err != nil {
			errs = append(errs, err)
			n.logger.Error("failed to notify update",
				zap.String("key", ev.Key()),
				zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// CanReceive returns true if any notifier can receive updates
func (n *CompositeNotifier) CanReceive() bool {
	for _, notifier := range n.notifiers {
		if notifier.CanReceive() {
			return true
		}
	}
	return false
}

// CanSend returns true if any notifier can send updates
func (n *CompositeNotifier) CanSend() bool {
	for _, notifier := range n.notifiers {
		if notifier.CanSend() {
			return true
		}
	}
	return false
}

func (n *CompositeNotifier) Close() error {
	var errs []error
	for _, notifier := range n.notifiers {
		errs = append(errs, notifier.Close())
	}
	return errors.Join(errs...)
}
