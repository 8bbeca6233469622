package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "acc_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "blocked")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_LockAllOppositeOrderDoesNotDeadlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock, err := m.LockAll(ctx, "acc_x", "acc_y")
			if err == nil {
				unlock()
			}
		}()
		go func() {
			defer wg.Done()
			unlock, err := m.LockAll(ctx, "acc_y", "acc_x")
			if err == nil {
				unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, ctx.Err(), "lock ordering deadlocked")
}

func TestKeyedMutex_LockAllDuplicateKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockAll(context.Background(), "same", "same", "")
	require.NoError(t, err)
	unlock()

	// The shard must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock, err = m.Lock(ctx, "same")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_LockAllReleasesOnCancel(t *testing.T) {
	m := NewKeyedMutex()
	hold, err := m.Lock(context.Background(), "b-key")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockAll(ctx, "a-key", "b-key")
	require.Error(t, err)
	hold()

	// a-key must not be left held by the failed LockAll.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	unlock, err := m.Lock(ctx2, "a-key")
	require.NoError(t, err)
	unlock()
}
