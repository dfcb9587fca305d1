package subscription

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/connection"
)

// idSet is a copy-on-write set of connection ids. A set stored in an index is
// never mutated; writers replace it under the shard lock.
type idSet map[connection.ID]struct{}

func (s idSet) with(id connection.ID) idSet {
	out := make(idSet, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

func (s idSet) without(id connection.ID) idSet {
	out := make(idSet, len(s))
	for k := range s {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return out
}

// Registry indexes live connections by their exact key and by wildcard
// pattern. Every index is a sharded concurrent map, so lookups from the
// broadcaster never wait on registrations of unrelated connections.
type Registry struct {
	logger *zap.Logger
	// conns is the authoritative map; all other indices store ids only
	conns cmap.ConcurrentMap[string, connection.Handle]
	// exact maps app:profile:label to the connections opened for it
	exact cmap.ConcurrentMap[string, idSet]
	// patterns maps a pattern string to its subscribers
	patterns cmap.ConcurrentMap[string, idSet]
	// subs maps a connection to the patterns it holds, for cleanup
	subs cmap.ConcurrentMap[string, []string]
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("subscription.registry"),
		conns:    cmap.New[connection.Handle](),
		exact:    cmap.New[idSet](),
		patterns: cmap.New[idSet](),
		subs:     cmap.New[[]string](),
	}
}

// Register adds a connection and indexes it under its own key
func (r *Registry) Register(h connection.Handle) error {
	if !r.conns.SetIfAbsent(string(h.ID), h) {
		return ErrAlreadyRegistered
	}
	addToIndex(r.exact, h.Info.Key(), h.ID)

	r.logger.Debug("registered connection",
		zap.String("id", h.ID.String()),
		zap.String("key", h.Info.Key()))
	return nil
}

// Unregister removes a connection from the primary map and from every index.
// It returns the removed handle, or false if the id was unknown.
func (r *Registry) Unregister(id connection.ID) (connection.Handle, bool) {
	h, ok := r.conns.Pop(string(id))
	if !ok {
		return connection.Handle{}, false
	}

	removeFromIndex(r.exact, h.Info.Key(), id)
	if patterns, ok := r.subs.Pop(string(id)); ok {
		for _, p := range patterns {
			removeFromIndex(r.patterns, p, id)
		}
	}

	r.logger.Debug("unregistered connection",
		zap.String("id", id.String()),
		zap.String("key", h.Info.Key()))
	return h, true
}

// SubscribeToPattern adds a wildcard subscription for a registered connection.
// Subscribing twice to the same pattern is a no-op.
func (r *Registry) SubscribeToPattern(id connection.ID, pattern string) error {
	p, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	if !r.conns.Has(string(id)) {
		return ErrNotRegistered
	}
	key := p.String()

	added := false
	r.subs.Upsert(string(id), nil, func(exist bool, current []string, _ []string) []string {
		for _, existing := range current {
			if existing == key {
				return current
			}
		}
		added = true
		out := make([]string, len(current), len(current)+1)
		copy(out, current)
		return append(out, key)
	})
	if added {
		addToIndex(r.patterns, key, id)
	}

	// lost a race with Unregister: undo so no index references a dead id
	if !r.conns.Has(string(id)) {
		removeFromIndex(r.patterns, key, id)
		r.subs.Remove(string(id))
		return ErrNotRegistered
	}
	return nil
}

// UnsubscribeFromPattern removes a wildcard subscription. Unknown patterns are ignored.
func (r *Registry) UnsubscribeFromPattern(id connection.ID, pattern string) error {
	p, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	if !r.conns.Has(string(id)) {
		return ErrNotRegistered
	}
	key := p.String()

	removed := false
	r.subs.Upsert(string(id), nil, func(exist bool, current []string, _ []string) []string {
		out := make([]string, 0, len(current))
		for _, existing := range current {
			if existing == key {
				removed = true
				continue
			}
			out = append(out, existing)
		}
		return out
	})
	r.subs.RemoveCb(string(id), func(_ string, v []string, exists bool) bool {
		return exists && len(v) == 0
	})
	if removed {
		removeFromIndex(r.patterns, key, id)
	}
	return nil
}

// FindSubscribers returns every connection interested in the key: those
// opened for it exactly plus those holding a matching pattern. Each
// connection appears once.
func (r *Registry) FindSubscribers(app, profile, label string) []connection.Handle {
	ids := make(map[connection.ID]struct{})
	if set, ok := r.exact.Get(connection.Key(app, profile, label)); ok {
		for id := range set {
			ids[id] = struct{}{}
		}
	}
	for _, candidate := range candidatePatterns(app, profile, label) {
		if set, ok := r.patterns.Get(candidate); ok {
			for id := range set {
				ids[id] = struct{}{}
			}
		}
	}

	handles := make([]connection.Handle, 0, len(ids))
	for id := range ids {
		// skip ids whose unregister is still sweeping the indices
		if h, ok := r.conns.Get(string(id)); ok {
			handles = append(handles, h)
		}
	}
	return handles
}

// Get returns the handle registered under id
func (r *Registry) Get(id connection.ID) (connection.Handle, bool) {
	return r.conns.Get(string(id))
}

// Patterns returns the patterns a connection is subscribed to, sorted
func (r *Registry) Patterns(id connection.ID) []string {
	patterns, _ := r.subs.Get(string(id))
	out := append([]string(nil), patterns...)
	sort.Strings(out)
	return out
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	return r.conns.Count()
}

// Snapshot returns all registered handles
func (r *Registry) Snapshot() []connection.Handle {
	handles := make([]connection.Handle, 0, r.conns.Count())
	r.conns.IterCb(func(_ string, h connection.Handle) {
		handles = append(handles, h)
	})
	return handles
}

// IndexSize returns how many exact keys and patterns currently have subscribers
func (r *Registry) IndexSize() (exact, patterns int) {
	return r.exact.Count(), r.patterns.Count()
}

// IndexedIn reports how many index buckets (exact and pattern) reference id
func (r *Registry) IndexedIn(id connection.ID) int {
	n := 0
	count := func(_ string, set idSet) {
		if _, ok := set[id]; ok {
			n++
		}
	}
	r.exact.IterCb(count)
	r.patterns.IterCb(count)
	return n
}

func addToIndex(index cmap.ConcurrentMap[string, idSet], key string, id connection.ID) {
	index.Upsert(key, nil, func(exist bool, current idSet, _ idSet) idSet {
		return current.with(id)
	})
}

// removeFromIndex drops id from the bucket and deletes the bucket once empty.
// Both steps run under the shard lock; a concurrent add between them keeps
// the bucket alive.
func removeFromIndex(index cmap.ConcurrentMap[string, idSet], key string, id connection.ID) {
	index.Upsert(key, nil, func(exist bool, current idSet, _ idSet) idSet {
		return current.without(id)
	})
	index.RemoveCb(key, func(_ string, set idSet, exists bool) bool {
		return exists && len(set) == 0
	})
}
