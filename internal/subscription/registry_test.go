package subscription

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/connection"
)

func newHandle(app, profile, label string) connection.Handle {
	id := connection.NewID()
	return connection.Handle{
		ID: id,
		Info: connection.Info{
			ID:      id,
			App:     app,
			Profile: profile,
			Label:   label,
			State:   connection.StateConnected,
		},
		Outbox: connection.NewOutbox(4),
	}
}

func ids(handles []connection.Handle) []connection.ID {
	out := make([]connection.ID, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.ID)
	}
	return out
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    Pattern
		wantErr bool
	}{
		{name: "literal", pattern: "payment:prod:main", want: Pattern{"payment", "prod", "main"}},
		{name: "wildcards", pattern: "*:prod:*", want: Pattern{"*", "prod", "*"}},
		{name: "dash and underscore", pattern: "pay-ment:pro_d:v1", want: Pattern{"pay-ment", "pro_d", "v1"}},
		{name: "too few segments", pattern: "payment:prod", wantErr: true},
		{name: "too many segments", pattern: "a:b:c:d", wantErr: true},
		{name: "empty segment", pattern: "payment::main", wantErr: true},
		{name: "bad char", pattern: "pay.ment:prod:main", wantErr: true},
		{name: "partial wildcard", pattern: "pay*:prod:main", wantErr: true},
		{name: "empty", pattern: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePattern(tt.pattern)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPattern))
				var pe *PatternError
				assert.True(t, errors.As(err, &pe))
				assert.Equal(t, tt.pattern, pe.Pattern)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.pattern, got.String())
		})
	}
}

func TestPattern_Matches(t *testing.T) {
	p := Pattern{App: "*", Profile: "prod", Label: "*"}
	assert.True(t, p.Matches("payment", "prod", "main"))
	assert.True(t, p.Matches("orders", "prod", "v2"))
	assert.False(t, p.Matches("payment", "dev", "main"))

	for _, candidate := range candidatePatterns("payment", "prod", "main") {
		parsed, err := ParsePattern(candidate)
		require.NoError(t, err)
		assert.True(t, parsed.Matches("payment", "prod", "main"), candidate)
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("payment", "prod", "main"))
	assert.ErrorIs(t, ValidateKey("*", "prod", "main"), ErrInvalidPattern)
	assert.ErrorIs(t, ValidateKey("payment", "", "main"), ErrInvalidPattern)
	assert.ErrorIs(t, ValidateKey("payment", "prod", "ma in"), ErrInvalidPattern)
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := newHandle("payment", "prod", "main")

	require.NoError(t, r.Register(h))
	assert.ErrorIs(t, r.Register(h), ErrAlreadyRegistered)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(h.ID)
	require.True(t, ok)
	assert.Equal(t, h.Info, got.Info)

	removed, ok := r.Unregister(h.ID)
	require.True(t, ok)
	assert.Equal(t, h.ID, removed.ID)

	_, ok = r.Unregister(h.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_FindSubscribersExactAndPattern(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	exact := newHandle("payment", "prod", "main")
	other := newHandle("orders", "prod", "main")
	watcher := newHandle("dashboard", "dev", "main")

	for _, h := range []connection.Handle{exact, other, watcher} {
		require.NoError(t, r.Register(h))
	}
	require.NoError(t, r.SubscribeToPattern(watcher.ID, "*:prod:*"))
	// exact subscriber also holds a matching wildcard
	require.NoError(t, r.SubscribeToPattern(exact.ID, "payment:*:main"))
	require.NoError(t, r.SubscribeToPattern(exact.ID, "*:*:*"))

	got := r.FindSubscribers("payment", "prod", "main")
	assert.ElementsMatch(t, []connection.ID{exact.ID, watcher.ID}, ids(got))

	got = r.FindSubscribers("orders", "prod", "main")
	assert.ElementsMatch(t, []connection.ID{other.ID, watcher.ID, exact.ID}, ids(got))

	got = r.FindSubscribers("orders", "dev", "main")
	assert.ElementsMatch(t, []connection.ID{exact.ID}, ids(got))

	assert.Empty(t, r.FindSubscribers("unknown", "x", "y"))
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := newHandle("payment", "prod", "main")
	require.NoError(t, r.Register(h))

	assert.ErrorIs(t, r.SubscribeToPattern(h.ID, "bad pattern"), ErrInvalidPattern)
	assert.ErrorIs(t, r.SubscribeToPattern(connection.NewID(), "*:*:*"), ErrNotRegistered)
	assert.ErrorIs(t, r.UnsubscribeFromPattern(h.ID, "a:b"), ErrInvalidPattern)

	require.NoError(t, r.SubscribeToPattern(h.ID, "*:prod:*"))
	require.NoError(t, r.SubscribeToPattern(h.ID, "*:prod:*"))
	assert.Equal(t, []string{"*:prod:*"}, r.Patterns(h.ID))

	require.NoError(t, r.UnsubscribeFromPattern(h.ID, "other:prod:*"))
	require.NoError(t, r.UnsubscribeFromPattern(h.ID, "*:prod:*"))
	assert.Empty(t, r.Patterns(h.ID))

	_, patterns := r.IndexSize()
	assert.Equal(t, 0, patterns)
}

func TestRegistry_UnregisterCleansEveryIndex(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := newHandle("payment", "prod", "main")
	require.NoError(t, r.Register(h))
	for _, p := range []string{"*:prod:*", "payment:*:*", "*:*:main"} {
		require.NoError(t, r.SubscribeToPattern(h.ID, p))
	}
	assert.Equal(t, 4, r.IndexedIn(h.ID))

	_, ok := r.Unregister(h.ID)
	require.True(t, ok)

	assert.Equal(t, 0, r.IndexedIn(h.ID))
	exact, patterns := r.IndexSize()
	assert.Equal(t, 0, exact)
	assert.Equal(t, 0, patterns)
	assert.Empty(t, r.Patterns(h.ID))
	assert.Empty(t, r.FindSubscribers("payment", "prod", "main"))
}

func TestRegistry_SharedBucketSurvivesPartialRemoval(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := newHandle("payment", "prod", "main")
	b := newHandle("payment", "prod", "main")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.Unregister(a.ID)
	got := r.FindSubscribers("payment", "prod", "main")
	assert.Equal(t, []connection.ID{b.ID}, ids(got))

	exact, _ := r.IndexSize()
	assert.Equal(t, 1, exact)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	const workers = 32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := newHandle("app", fmt.Sprintf("p%d", i%4), "main")
			if err := r.Register(h); err != nil {
				t.Error(err)
				return
			}
			_ = r.SubscribeToPattern(h.ID, "*:*:main")
			for j := 0; j < 50; j++ {
				r.FindSubscribers("app", "p0", "main")
			}
			r.Unregister(h.ID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	exact, patterns := r.IndexSize()
	assert.Equal(t, 0, exact)
	assert.Equal(t, 0, patterns)
}
