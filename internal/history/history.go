// Package history keeps a bounded, time-windowed log of recent config
// versions per app:profile:label so reconnecting clients can catch up.
package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/event"
)

const (
	DefaultMaxAge        = time.Hour
	DefaultMaxEntries    = 1000
	DefaultPruneInterval = time.Minute
)

// ErrOutOfOrder is returned when an entry is older than the latest one recorded for its key
var ErrOutOfOrder = errors.New("history entry is older than the latest recorded version")

// Entry is one recorded version of a configuration
type Entry struct {
	App       string    `json:"app"`
	Profile   string    `json:"profile"`
	Label     string    `json:"label"`
	Version   string    `json:"version"`
	Config    any       `json:"config,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns app:profile:label
func (e Entry) Key() string {
	return connection.Key(e.App, e.Profile, e.Label)
}

// FromEvent builds the entry recorded for a change event
func FromEvent(ev *event.ConfigChangeEvent) Entry {
	return Entry{
		App:       ev.App,
		Profile:   ev.Profile,
		Label:     ev.Label,
		Version:   ev.Version,
		Config:    ev.NewConfig,
		Timestamp: ev.Timestamp,
	}
}

// Config bounds the history. MaxAge applies to every entry and MaxEntries
// caps the total number of entries held across all keys.
type Config struct {
	MaxAge     time.Duration `yaml:"max_age"`
	MaxEntries int           `yaml:"max_entries"`
}

func (c *Config) setDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
}

type slot struct {
	seq uint64
	Entry
}

// log is the per-key entry list, oldest first
type log struct {
	mu    sync.RWMutex
	slots []slot
	// removed is set before the log leaves the map
	removed atomic.Bool
}

func (l *log) entries(from int) []Entry {
	out := make([]Entry, 0, len(l.slots)-from)
	for _, s := range l.slots[from:] {
		out = append(out, s.Entry)
	}
	return out
}

// ref points at one recorded entry from the eviction queue
type ref struct {
	key       string
	seq       uint64
	timestamp time.Time
}

// History is safe for concurrent use. Keys are spread over a sharded map and
// every key has its own lock, so recording one key never blocks readers of
// another. A global queue remembers the recording order of every entry and
// drives eviction once the total size or age limit is exceeded.
type History struct {
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
	logs   cmap.ConcurrentMap[string, *log]

	seq  atomic.Uint64
	size atomic.Int64

	// queueMu is taken after a key lock, never before one
	queueMu sync.Mutex
	queue   []ref
}

// Option customises a History
type Option func(*History)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(h *History) {
		h.now = now
	}
}

// New creates an empty history
func New(cfg Config, logger *zap.Logger, opts ...Option) *History {
	cfg.setDefaults()
	h := &History{
		logger: logger.Named("history"),
		cfg:    cfg,
		now:    time.Now,
		logs:   cmap.New[*log](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record appends an entry to its key's log, then evicts the oldest entries
// of the whole history while it holds more than MaxEntries or while the
// oldest entry is past MaxAge. Recording the latest version again is a no-op.
func (h *History) Record(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = h.now()
	}
	key := entry.Key()
	l := h.acquire(key)

	if n := len(l.slots); n > 0 {
		last := l.slots[n-1]
		if last.Version == entry.Version {
			l.mu.Unlock()
			return nil
		}
		if entry.Timestamp.Before(last.Timestamp) {
			l.mu.Unlock()
			h.logger.Warn("rejecting out of order history entry",
				zap.String("key", key),
				zap.String("version", entry.Version),
				zap.String("latest", last.Version))
			return ErrOutOfOrder
		}
	}

	seq := h.seq.Add(1)
	l.slots = append(l.slots, slot{seq: seq, Entry: entry})
	h.size.Add(1)
	// queued under the key lock so each key's refs keep its log order
	h.queueMu.Lock()
	h.queue = append(h.queue, ref{key: key, seq: seq, timestamp: entry.Timestamp})
	h.queueMu.Unlock()
	l.mu.Unlock()

	h.evict(h.now())
	return nil
}

// acquire returns the live, write-locked log for key, replacing one that a
// concurrent eviction has retired
func (h *History) acquire(key string) *log {
	for {
		l := h.logs.Upsert(key, nil, func(exist bool, current *log, _ *log) *log {
			if exist && !current.removed.Load() {
				return current
			}
			return &log{}
		})
		l.mu.Lock()
		if !l.removed.Load() {
			return l
		}
		l.mu.Unlock()
	}
}

// evict pops the queue head while the history is over its size limit or the
// head is older than MaxAge
func (h *History) evict(now time.Time) {
	cutoff := now.Add(-h.cfg.MaxAge)
	for {
		h.queueMu.Lock()
		if len(h.queue) == 0 {
			h.queueMu.Unlock()
			return
		}
		head := h.queue[0]
		if h.size.Load() <= int64(h.cfg.MaxEntries) && !head.timestamp.Before(cutoff) {
			h.queueMu.Unlock()
			return
		}
		h.queue[0] = ref{}
		h.queue = h.queue[1:]
		h.queueMu.Unlock()

		h.dropOldest(head)
	}
}

// dropOldest removes the entry r points at when it is still the oldest of
// its key. An entry already pruned by age leaves a stale ref, which is ignored.
func (h *History) dropOldest(r ref) {
	l, ok := h.logs.Get(r.key)
	if !ok {
		return
	}
	l.mu.Lock()
	if len(l.slots) == 0 || l.slots[0].seq != r.seq {
		l.mu.Unlock()
		return
	}
	l.slots[0] = slot{}
	l.slots = l.slots[1:]
	h.size.Add(-1)
	empty := len(l.slots) == 0
	if empty {
		l.removed.Store(true)
	}
	l.mu.Unlock()

	if empty {
		h.forget(r.key, l)
	}
}

func (h *History) forget(key string, l *log) {
	h.logs.RemoveCb(key, func(_ string, v *log, exists bool) bool {
		return exists && v == l
	})
}

// ChangesSince returns the entries recorded for the key strictly after
// since, oldest first. found is false when since is not in the log, either
// because it was never recorded or because it has been evicted; callers then
// fall back to a full snapshot.
func (h *History) ChangesSince(app, profile, label, since string) (entries []Entry, found bool) {
	l, ok := h.logs.Get(connection.Key(app, profile, label))
	if !ok {
		return nil, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, e := range l.slots {
		if e.Version == since {
			return l.entries(i + 1), true
		}
	}
	return nil, false
}

// Latest returns the most recent entry for the key
func (h *History) Latest(app, profile, label string) (Entry, bool) {
	l, ok := h.logs.Get(connection.Key(app, profile, label))
	if !ok {
		return Entry{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.slots) == 0 {
		return Entry{}, false
	}
	return l.slots[len(l.slots)-1].Entry, true
}

// CurrentVersion returns the most recent version recorded for the key
func (h *History) CurrentVersion(app, profile, label string) (string, bool) {
	e, ok := h.Latest(app, profile, label)
	return e.Version, ok
}

// Entries returns a copy of the key's log, oldest first
func (h *History) Entries(app, profile, label string) []Entry {
	l, ok := h.logs.Get(connection.Key(app, profile, label))
	if !ok {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.slots) == 0 {
		return nil
	}
	return l.entries(0)
}

// Len returns the total number of entries across all keys
func (h *History) Len() int {
	return int(h.size.Load())
}

// Prune applies the age limit to every key, drops keys left empty and then
// enforces the size limit. It returns the number of evicted entries.
func (h *History) Prune(now time.Time) int {
	before := h.size.Load()
	cutoff := now.Add(-h.cfg.MaxAge)
	for _, key := range h.logs.Keys() {
		l, ok := h.logs.Get(key)
		if !ok {
			continue
		}
		l.mu.Lock()
		start := 0
		for start < len(l.slots) && l.slots[start].Timestamp.Before(cutoff) {
			start++
		}
		if start > 0 {
			l.slots = append([]slot(nil), l.slots[start:]...)
			h.size.Add(-int64(start))
		}
		empty := len(l.slots) == 0
		if empty {
			l.removed.Store(true)
		}
		l.mu.Unlock()

		if empty {
			h.forget(key, l)
		}
	}

	// refs of entries pruned above are stale
	h.queueMu.Lock()
	live := h.queue[:0]
	for _, r := range h.queue {
		if !r.timestamp.Before(cutoff) {
			live = append(live, r)
		}
	}
	clear(h.queue[len(live):])
	h.queue = live
	h.queueMu.Unlock()

	h.evict(now)
	return max(int(before-h.size.Load()), 0)
}

// Run prunes the history every interval until ctx is done
func (h *History) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("history pruner started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("history pruner stopped")
			return nil
		case <-ticker.C:
			if n := h.Prune(h.now()); n > 0 {
				h.logger.Debug("pruned history", zap.Int("evicted", n))
			}
		}
	}
}
