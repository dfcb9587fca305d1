package connection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestInfo_Advance(t *testing.T) {
	info := Info{State: StateConnecting}

	assert.True(t, info.Advance(StateConnected))
	assert.False(t, info.Advance(StateConnected))
	assert.False(t, info.Advance(StateConnecting))
	assert.True(t, info.Advance(StateClosed))
	assert.False(t, info.Advance(StateClosing))
	assert.Equal(t, StateClosed, info.State)
}

func TestInfo_Key(t *testing.T) {
	info := Info{App: "payment", Profile: "prod", Label: "main"}
	assert.Equal(t, "payment:prod:main", info.Key())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestOutbox(t *testing.T) {
	t.Run("drops when full", func(t *testing.T) {
		o := NewOutbox(2)
		assert.True(t, o.TrySend(Frame{Type: "a"}))
		assert.True(t, o.TrySend(Frame{Type: "b"}))
		assert.False(t, o.TrySend(Frame{Type: "c"}))

		assert.Equal(t, 2, o.Len())
		sent, dropped := o.Counters()
		assert.Equal(t, uint64(2), sent)
		assert.Equal(t, uint64(1), dropped)

		assert.Equal(t, "a", (<-o.C()).Type)
		assert.Equal(t, "b", (<-o.C()).Type)
	})

	t.Run("refuses after close", func(t *testing.T) {
		o := NewOutbox(4)
		o.Close()
		o.Close()
		assert.True(t, o.Closed())
		assert.False(t, o.TrySend(Frame{Type: "a"}))
	})

	t.Run("concurrent producers never block", func(t *testing.T) {
		o := NewOutbox(8)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					o.TrySend(Frame{Type: "x"})
				}
			}()
		}
		wg.Wait()
		sent, dropped := o.Counters()
		assert.Equal(t, uint64(8), sent)
		assert.Equal(t, uint64(1600-8), dropped)
	})
}
