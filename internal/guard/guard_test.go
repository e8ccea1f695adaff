package guard

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGuard_AcquireRelease(t *testing.T) {
	g := New(NewMemorySet(), nil)
	ctx := context.Background()

	token, ok, err := g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	dup, ok, err := g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire of an in-flight id must fail")
	assert.Empty(t, dup)

	_, ok, err = g.Acquire(ctx, "c-2")
	require.NoError(t, err)
	assert.True(t, ok, "other identities are independent")

	g.Release(ctx, "c-1", token)
	_, ok, err = g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ok, "released id can be acquired again")
}

func TestGuard_ReleaseWithoutAcquire(t *testing.T) {
	set := NewMemorySet()
	g := New(set, nil)
	g.Release(context.Background(), "never-acquired", "")
	g.Release(context.Background(), "never-acquired", "stray")
	assert.Equal(t, 0, set.Len())
}

func TestGuard_ReleaseAfterRejectedAcquireKeepsHolder(t *testing.T) {
	g := New(NewMemorySet(), nil)
	ctx := context.Background()

	holder, ok, err := g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)

	// The loser releases whatever it got back
	loser, ok, err := g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	require.False(t, ok)
	g.Release(ctx, "c-1", loser)

	_, ok, err = g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected caller must not clear the holder's entry")

	// A token from an earlier acquisition is stale too
	g.Release(ctx, "c-1", holder)
	next, ok, err := g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)
	g.Release(ctx, "c-1", holder)
	_, ok, err = g.Acquire(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, ok, "a stale token must not clear the new holder's entry")
	g.Release(ctx, "c-1", next)
}

func TestGuard_ConcurrentAcquireExactlyOne(t *testing.T) {
	for round := 0; round < 50; round++ {
		g := New(NewMemorySet(), nil)
		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, ok, err := g.Acquire(context.Background(), "same")
				if err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins, "round %d", round)
	}
}

func TestGuard_DoRejectsDuplicateWithoutRunning(t *testing.T) {
	g := New(NewMemorySet(), nil)
	entered := make(chan struct{})
	finish := make(chan struct{})

	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = g.Do(context.Background(), "c-1", func(ctx context.Context) error {
			close(entered)
			<-finish
			return nil
		})
	}()

	<-entered
	ran := false
	err := g.Do(context.Background(), "c-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.False(t, ran, "duplicate must be rejected before fn runs")

	close(finish)
	wg.Wait()
	require.NoError(t, firstErr)
}

func TestGuard_DoReleasesOnErrorPanicAndCancel(t *testing.T) {
	set := NewMemorySet()
	g := New(set, nil)

	boom := errors.New("stage failed")
	err := g.Do(context.Background(), "err", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, set.Len())

	func() {
		defer func() { _ = recover() }()
		_ = g.Do(context.Background(), "panic", func(ctx context.Context) error { panic("unexpected fault") })
	}()
	assert.Equal(t, 0, set.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = g.Do(ctx, "timeout", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, set.Len(), "release must fire after the run deadline")
}

func TestRedisSet(t *testing.T) {
	addr := os.Getenv("CLAIMLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CLAIMLEDGER_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	a := NewRedisSet(addr, "", 0, time.Minute)
	b := NewRedisSet(addr, "", 0, time.Minute)
	defer func() { _ = a.Close(); _ = b.Close() }()
	require.NoError(t, a.Ping(ctx))

	id := "guard-test-" + time.Now().Format("150405.000000")
	ok, err := a.Add(ctx, id, "token-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Add(ctx, id, "token-b")
	require.NoError(t, err)
	assert.False(t, ok, "second process must see the entry")

	// b never held the entry, so its release must not delete a's entry
	require.NoError(t, b.Remove(ctx, id, "token-b"))
	ok, err = b.Add(ctx, id, "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Remove(ctx, id, "token-a"))
	ok, err = b.Add(ctx, id, "token-b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Remove(ctx, id, "token-b"))
}
