package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/waymark/pkg/ports"
	"github.com/aretw0/waymark/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SerializesSameSession(t *testing.T) {
	manager := session.NewManager()
	ctx := context.Background()

	var inside, maxInside int32
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, "race-test", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				// Read-modify-write with simulated I/O in between.
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter, "lost updates mean the lock is not exclusive")
	assert.Equal(t, int32(1), maxInside)
}

func TestManager_DifferentSessionsRunInParallel(t *testing.T) {
	manager := session.NewManager()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = manager.WithLock(ctx, "a", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = manager.WithLock(ctx, "b", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session b blocked behind session a")
	}
	close(release)
}

func TestManager_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := session.NewManager().WithLock(context.Background(), "x", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

type fakeLocker struct {
	mu       sync.Mutex
	locked   map[string]bool
	unlocks  int
	failWith error
}

func (f *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = map[string]bool{}
	}
	f.locked[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.locked, key)
		f.unlocks++
		return nil
	}, nil
}

func TestManager_DistributedLocker(t *testing.T) {
	locker := &fakeLocker{}
	manager := session.NewManager(session.WithLocker(locker), session.WithLockTTL(time.Second))
	require.True(t, manager.Distributed())

	err := manager.WithLock(context.Background(), "s1", func(context.Context) error {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		assert.True(t, locker.locked["s1"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, locker.unlocks)
	assert.Empty(t, locker.locked)
}

func TestManager_DistributedLockFailure(t *testing.T) {
	locker := &fakeLocker{failWith: context.DeadlineExceeded}
	manager := session.NewManager(session.WithLocker(locker))

	called := false
	err := manager.WithLock(context.Background(), "s1", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
