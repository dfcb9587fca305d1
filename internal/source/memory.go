package source

import (
	"context"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/connection"
)

// Memory keeps documents in process memory. It is the target of admin
// publishes and notifier updates.
type Memory struct {
	docs cmap.ConcurrentMap[string, *Document]
}

var (
	_ ConfigSource = (*Memory)(nil)
	_ Updater      = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{docs: cmap.New[*Document]()}
}

func (m *Memory) GetConfig(_ context.Context, app, profile, label string) (*Document, error) {
	key := connection.Key(app, profile, label)
	doc, ok := m.docs.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cnst.ErrConfigNotFound, key)
	}
	return doc, nil
}

func (m *Memory) Put(_ context.Context, app, profile, label string, doc *Document) (*Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document for %s", connection.Key(app, profile, label))
	}
	var previous *Document
	m.docs.Upsert(connection.Key(app, profile, label), doc, func(exist bool, old, new *Document) *Document {
		if exist {
			previous = old
		}
		return new
	})
	return previous, nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	return m.docs.Count()
}
