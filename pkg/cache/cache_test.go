package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/async"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestFreshValueServedWithoutFetch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var calls atomic.Int32
	c := New(func(ctx context.Context, key string) (int, error) {
		return int(calls.Add(1)), nil
	}, Options[string, int]{TTL: time.Minute, Now: clock.Now})

	v, err := c.GetOrRefresh(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.GetOrRefresh(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaleValueServedWhileRevalidating(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	scope := async.NewScope(context.Background())
	var calls atomic.Int32
	c := New(func(ctx context.Context, key string) (int, error) {
		return int(calls.Add(1)), nil
	}, Options[string, int]{TTL: time.Minute, Now: clock.Now, Scope: scope})

	_, err := c.Refresh(context.Background(), "k")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	v, err := c.GetOrRefresh(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v, "stale value returned immediately")

	scope.Wait()
	v, _, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestFailedRefreshFallsBackToStale(t *testing.T) {
	fail := errors.New("offline")
	var shouldFail atomic.Bool
	var gotErr atomic.Value
	c := New(func(ctx context.Context, key string) (string, error) {
		if shouldFail.Load() {
			return "", fail
		}
		return "v1", nil
	}, Options[string, string]{OnError: func(_ string, err error) { gotErr.Store(err) }})

	_, err := c.Refresh(context.Background(), "k")
	require.NoError(t, err)

	shouldFail.Store(true)
	v, err := c.Refresh(context.Background(), "k")
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, "v1", v)
	assert.Equal(t, fail, gotErr.Load())
}

func TestSeedIsNeverFresh(t *testing.T) {
	c := New(func(ctx context.Context, key string) (string, error) {
		return "remote", nil
	}, Options[string, string]{TTL: time.Hour})
	c.Seed("k", "disk")
	assert.False(t, c.Fresh("k"))

	v, _, _ := c.Get("k")
	assert.Equal(t, "disk", v)

	c.Invalidate("k")
	_, _, ok := c.Get("k")
	assert.False(t, ok)
}
