package broadcast

import (
	"context"
	"sync/atomic"

	"github.com/amoylab/cfgstream/internal/event"
)

// Consumer is one reader of the broadcast backbone
type Consumer struct {
	name string
	ch   chan *event.ConfigChangeEvent
	// lag counts events skipped since the last Recv
	lag atomic.Uint64
}

// Name returns the name given at Subscribe
func (c *Consumer) Name() string {
	return c.name
}

func (c *Consumer) offer(ev *event.ConfigChangeEvent) bool {
	select {
	case c.ch <- ev:
		return true
	default:
		c.lag.Add(1)
		return false
	}
}

// Recv blocks for the next event. skipped is the number of events this
// consumer missed since the previous Recv because its buffer was full.
func (c *Consumer) Recv(ctx context.Context) (ev *event.ConfigChangeEvent, skipped uint64, err error) {
	select {
	case ev = <-c.ch:
		return ev, c.lag.Swap(0), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Len returns the number of buffered events
func (c *Consumer) Len() int {
	return len(c.ch)
}
