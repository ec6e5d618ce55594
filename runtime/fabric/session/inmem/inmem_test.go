package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/session"
)

func testKey(t *testing.T) session.Key {
	t.Helper()
	key, err := session.BuildKey("acme", "bot", "user-1", "webchat")
	require.NoError(t, err)
	return key
}

func TestMutexSerializesHolders(t *testing.T) {
	store := New(Options{LockLease: time.Second})
	key := testKey(t)
	ctx := context.Background()

	tok, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, uint64(1), tok.Fence)

	_, err = store.Mutex().Acquire(ctx, key, 20*time.Millisecond)
	require.ErrorIs(t, err, session.ErrLockTimeout)

	require.NoError(t, store.Mutex().Release(ctx, tok))
	tok2, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Greater(t, tok2.Fence, tok.Fence)
}

func TestMutexFenceMonotonicAcrossReleases(t *testing.T) {
	store := New(Options{LockLease: time.Second})
	key := testKey(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 3; i++ {
		tok, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
		require.NoError(t, err)
		require.Greater(t, tok.Fence, last, "fence must grow across re-acquisitions")
		last = tok.Fence
		require.NoError(t, store.Mutex().Release(ctx, tok))
	}

	// ForceRelease must not reset the counter either.
	tok, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Greater(t, tok.Fence, last)
	require.NoError(t, store.Mutex().ForceRelease(ctx, key))
	tok2, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Greater(t, tok2.Fence, tok.Fence)
}

func TestMutexExpiryFencesStaleHolder(t *testing.T) {
	store := New(Options{LockLease: time.Second})
	key := testKey(t)
	ctx := context.Background()

	stale, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)

	mtx := store.Mutex().(*Mutex)
	mtx.ExpireNow(key)

	fresh, err := store.Mutex().Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Greater(t, fresh.Fence, stale.Fence)

	held, err := store.Mutex().Held(ctx, stale)
	require.NoError(t, err)
	require.False(t, held)
	require.ErrorIs(t, store.Mutex().Extend(ctx, stale, time.Second), session.ErrLockLost)

	// A stale release must not free the new holder.
	require.NoError(t, store.Mutex().Release(ctx, stale))
	held, err = store.Mutex().Held(ctx, fresh)
	require.NoError(t, err)
	require.True(t, held)
}

func TestIndexEntriesExpire(t *testing.T) {
	store := New(Options{})
	key := testKey(t)
	ctx := context.Background()

	require.NoError(t, store.Index().Set(ctx, key, "wf-1", 10*time.Millisecond))
	wf, ok, err := store.Index().Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wf-1", wf)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = store.Index().Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueFIFO(t *testing.T) {
	store := New(Options{})
	key := testKey(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.Pending().Push(ctx, key, session.PendingMessage{ID: id}))
	}

	head, ok, err := store.Pending().Pop(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m1", head.ID)

	rest, err := store.Pending().Drain(ctx, key)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, "m2", rest[0].ID)

	n, err := store.Pending().Peek(ctx, key)
	require.NoError(t, err)
	require.Zero(t, n)
}
