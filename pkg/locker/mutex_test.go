package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testLockKey = "test:lock"

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	// Create an in-memory Redis instance for testing
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func newTestMutex(client *redis.Client) *MutexLocker {
	return NewMutexLocker(client, MutexConfig{
		Prefix:        "test",
		LeaseTime:     5 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	}, zap.NewNop())
}

func TestMutexLocker_TryLock_Success(t *testing.T) {
	client, mr := setupTestRedis(t)
	locker := newTestMutex(client)
	ctx := NewScope(context.Background())

	acquired, err := locker.TryLock(ctx, testLockKey, 0)
	require.NoError(t, err)
	assert.True(t, acquired, "First acquisition should succeed")
	assert.True(t, locker.IsHeld(ctx, testLockKey))
	assert.True(t, mr.Exists("test:mutex:"+testLockKey))
}

func TestMutexLocker_TryLock_AlreadyHeld(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	first := NewScope(context.Background())
	second := NewScope(context.Background())

	acquired, err := locker.TryLock(first, testLockKey, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	// Contention is reported as false, not as an error
	acquired, err = locker.TryLock(second, testLockKey, 0)
	require.NoError(t, err)
	assert.False(t, acquired, "Second scope must not acquire a held lock")
	assert.False(t, locker.IsHeld(second, testLockKey))
}

func TestMutexLocker_TryLock_BoundedWait(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	holder := NewScope(context.Background())
	acquired, err := locker.TryLock(holder, testLockKey, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	wait := 200 * time.Millisecond
	start := time.Now()
	acquired, err = locker.TryLock(NewScope(context.Background()), testLockKey, wait)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, acquired)
	assert.GreaterOrEqual(t, elapsed, wait)
	assert.Less(t, elapsed, wait+150*time.Millisecond, "waiter must give up close to its wait time")
}

func TestMutexLocker_TryLock_WaitsForRelease(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	holder := NewScope(context.Background())
	acquired, err := locker.TryLock(holder, testLockKey, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = locker.Unlock(holder, testLockKey)
	}()

	acquired, err = locker.TryLock(NewScope(context.Background()), testLockKey, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "Waiter should acquire once the holder releases")
}

func TestMutexLocker_Unlock_Success(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)
	ctx := NewScope(context.Background())

	acquired, err := locker.TryLock(ctx, testLockKey, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, locker.Unlock(ctx, testLockKey))
	assert.False(t, locker.IsHeld(ctx, testLockKey))

	// Should be able to acquire again after release
	acquired, err = locker.TryLock(NewScope(context.Background()), testLockKey, 0)
	require.NoError(t, err)
	assert.True(t, acquired, "Should be able to acquire after release")
}

func TestMutexLocker_Unlock_NotOwned(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	owner := NewScope(context.Background())
	other := NewScope(context.Background())

	acquired, err := locker.TryLock(owner, testLockKey, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	// Another scope unlocking is a no-op
	require.NoError(t, locker.Unlock(other, testLockKey))

	acquired, err = locker.TryLock(other, testLockKey, 0)
	require.NoError(t, err)
	assert.False(t, acquired, "Lock must still be held by its owner")
}

func TestMutexLocker_Reentrant(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)
	ctx := NewScope(context.Background())

	for i := 0; i < 2; i++ {
		acquired, err := locker.TryLock(ctx, testLockKey, 0)
		require.NoError(t, err)
		require.True(t, acquired)
	}

	require.NoError(t, locker.Unlock(ctx, testLockKey))
	assert.True(t, locker.IsHeld(ctx, testLockKey), "one hold is left")

	require.NoError(t, locker.Unlock(ctx, testLockKey))
	assert.False(t, locker.IsHeld(ctx, testLockKey))
}

func TestMutexLocker_NoScope(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	_, err := locker.TryLock(context.Background(), testLockKey, 0)
	assert.ErrorIs(t, err, ErrNoScope)
	assert.False(t, locker.IsHeld(context.Background(), testLockKey))
}

func TestMutexLocker_ConcurrentAcquisition(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	// Simulate 5 callers trying to acquire the lock concurrently
	const numCallers = 5
	results := make(chan bool, numCallers)

	var wg sync.WaitGroup
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, _ := locker.TryLock(NewScope(context.Background()), testLockKey, 0)
			results <- acquired
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	for ok := range results {
		if ok {
			successCount++
		}
	}

	// Exactly one caller should have acquired the lock
	assert.Equal(t, 1, successCount, "Exactly one caller should acquire the lock")
}

func TestMutexLocker_ContextCancellation(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := newTestMutex(client)

	ctx, cancel := context.WithCancel(NewScope(context.Background()))
	cancel() // Cancel immediately

	acquired, err := locker.TryLock(ctx, testLockKey, time.Second)
	assert.Error(t, err)
	assert.False(t, acquired)
}

func TestMutexLocker_RedisUnavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	locker := newTestMutex(client)
	mr.Close()

	// A fault must never look like contention
	acquired, err := locker.TryLock(NewScope(context.Background()), testLockKey, 0)
	assert.Error(t, err)
	assert.False(t, acquired)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "app:mutex:a", Namespace("app", KindMutex, "a"))
	assert.Equal(t, "fair:a", Namespace("", KindFair, "a"))
	assert.NotEqual(t, Namespace("app", KindMutex, "a"), Namespace("app", KindSemaphore, "a"))
}
